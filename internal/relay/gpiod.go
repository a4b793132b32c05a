package relay

import (
	"errors"
	"path/filepath"
	"strings"
)

const gpiodExpected = "<gpio line name>"

func validateLineName(config string) error {
	name := strings.TrimSpace(config)
	if name == "" {
		return errors.New("expected: " + gpiodExpected)
	}
	if strings.ContainsAny(name, ";\r\n") {
		return errors.New("expected: " + gpiodExpected)
	}
	return nil
}

// gpioChipsPresent reports whether the host exposes any GPIO character device.
func gpioChipsPresent() bool {
	m, _ := filepath.Glob("/dev/gpiochip*")
	return len(m) > 0
}
