package config

import (
	"fmt"

	"lanxfer/pkg/utils"
)

// Size is a byte count that reads and writes human-friendly strings in
// config files and environment variables ("16K", "200MB", "1GiB").
type Size int64

func (s Size) Bytes() int64 { return int64(s) }

func (s Size) String() string { return utils.FormatDataSize(int64(s)) }

// MarshalText writes the largest binary unit that divides the value exactly,
// so a decode of the output yields the same number.
func (s Size) MarshalText() ([]byte, error) {
	units := []struct {
		suffix string
		size   int64
	}{
		{"GiB", utils.GigaByte},
		{"MiB", utils.MegaByte},
		{"KiB", utils.KiloByte},
	}
	for _, u := range units {
		if s > 0 && int64(s)%u.size == 0 {
			return []byte(fmt.Sprintf("%d%s", int64(s)/u.size, u.suffix)), nil
		}
	}
	return []byte(fmt.Sprintf("%d", int64(s))), nil
}

func (s *Size) UnmarshalText(text []byte) error {
	n, err := utils.ParseDataSize(string(text))
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}
