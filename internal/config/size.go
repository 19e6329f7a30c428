package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Size is a number of bytes, written in configuration files with an optional
// unit: 1500, 64KiB, 4 MiB, 1.5KB.
type Size uint64

const (
	B   Size = 1
	KB  Size = 1000 * B
	MB  Size = 1000 * KB
	GB  Size = 1000 * MB
	KiB Size = 1024 * B
	MiB Size = 1024 * KiB
	GiB Size = 1024 * MiB
)

var sizeUnits = [...]struct {
	unit  string
	scale Size
}{
	{"KiB", KiB},
	{"MiB", MiB},
	{"GiB", GiB},
	{"Ki", KiB},
	{"Mi", MiB},
	{"Gi", GiB},
	{"KB", KB},
	{"MB", MB},
	{"GB", GB},
	{"B", B},
}

func ParseSize(s string) (Size, error) {
	value := strings.TrimSpace(s)
	scale := B
	for _, u := range sizeUnits {
		if len(value) > len(u.unit) && strings.EqualFold(value[len(value)-len(u.unit):], u.unit) {
			value, scale = strings.TrimSpace(value[:len(value)-len(u.unit)]), u.scale
			break
		}
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed size: %q", s)
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid size: %q", s)
	}
	return Size(math.Floor(f * float64(scale))), nil
}

func (s Size) String() string {
	for _, u := range [...]struct {
		unit  string
		scale Size
	}{{"GiB", GiB}, {"MiB", MiB}, {"KiB", KiB}} {
		if s >= u.scale && s%u.scale == 0 {
			return strconv.FormatUint(uint64(s/u.scale), 10) + u.unit
		}
	}
	return strconv.FormatUint(uint64(s), 10)
}

func (s Size) Int() int { return int(s) }

func (s *Size) Set(v string) error {
	p, err := ParseSize(v)
	if err != nil {
		return err
	}
	*s = p
	return nil
}

func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	return s.Set(node.Value)
}
