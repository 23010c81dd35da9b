// human readable and writable stdlib types
// which can be used inside config file
package model

import (
	"fmt"
	"time"
)

// Duration is a time.Duration read from and written to config files as
// a Go duration string ("2h", "1.5s").
type Duration time.Duration

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", string(b), err)
	}
	if parsed < 0 {
		return fmt.Errorf("negative duration %q", string(b))
	}
	*d = Duration(parsed)
	return nil
}
