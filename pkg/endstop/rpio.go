// Raspberry Pi GPIO endstop inputs
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package endstop

import (
	"fmt"

	"github.com/stianeikeland/go-rpio/v4"

	"deltacore/pkg/log"
)

// RPiPins reads endstops from the Raspberry Pi GPIO header through go-rpio.
// Requires /dev/gpiomem access or root.
type RPiPins struct {
	pins map[int]rpio.Pin
}

// OpenRPiPins maps the GPIO registers.
func OpenRPiPins() (*RPiPins, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}
	log.Get("endstop").Info("GPIO memory mapped")
	return &RPiPins{pins: make(map[int]rpio.Pin)}, nil
}

func (r *RPiPins) SetupInput(pin int, pullUp bool) error {
	p := rpio.Pin(pin)
	p.Input()
	if pullUp {
		p.PullUp()
	} else {
		p.PullOff()
	}
	r.pins[pin] = p
	return nil
}

func (r *RPiPins) ReadPin(pin int) (bool, error) {
	p, ok := r.pins[pin]
	if !ok {
		return false, fmt.Errorf("pin %d not configured as input", pin)
	}
	return p.Read() == rpio.High, nil
}

func (r *RPiPins) Close() error {
	return rpio.Close()
}
