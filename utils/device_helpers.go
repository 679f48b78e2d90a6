package utils

import (
	"fmt"
	"github.com/notargets/gocca"
	"github.com/rs/zerolog/log"
	"strings"
)

// DeviceModes are tried in order by CreateDevice when no mode is named
var DeviceModes = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// ModeProps turns a bare mode name such as "serial" into OCCA device properties
func ModeProps(mode string) string {
	switch strings.ToLower(mode) {
	case "cuda":
		return `{"mode": "CUDA", "device_id": 0}`
	case "openmp":
		return `{"mode": "OpenMP"}`
	case "serial":
		return `{"mode": "Serial"}`
	}
	return mode
}

// CreateDevice opens the first OCCA device that can be created from props,
// preferring parallel backends when props is empty
func CreateDevice(props ...string) (*gocca.OCCADevice, error) {
	if len(props) == 0 {
		props = DeviceModes
	}
	var errs []string
	for _, p := range props {
		device, err := gocca.NewDevice(ModeProps(p))
		if err == nil {
			log.Debug().Str("mode", device.Mode()).Msg("created OCCA device")
			return device, nil
		}
		errs = append(errs, fmt.Sprintf("%s: %v", p, err))
	}
	return nil, fmt.Errorf("no OCCA device available (%s)", strings.Join(errs, "; "))
}
