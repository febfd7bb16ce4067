package serial

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Tristate is the state of a single modem control line.
type Tristate int8

const (
	Unknown Tristate = iota
	Off
	On
)

// Bool converts b into a known Tristate.
func Bool(b bool) Tristate {
	if b {
		return On
	}
	return Off
}

func (s Tristate) String() string {
	switch s {
	case On:
		return "on"
	case Off:
		return "off"
	default:
		return "unknown"
	}
}

// ModemBits holds the modem control lines. The zero value has every line
// Unknown; SetModemBits only touches the lines that are known.
type ModemBits struct {
	LE  Tristate
	DTR Tristate
	RTS Tristate
	ST  Tristate
	SR  Tristate
	CTS Tristate
	CAR Tristate
	RNG Tristate
	DSR Tristate
}

type modemLine struct {
	name string
	bit  uint32
	get  func(*ModemBits) *Tristate
}

var modemLines = [...]modemLine{
	{"le", unix.TIOCM_LE, func(m *ModemBits) *Tristate { return &m.LE }},
	{"dtr", unix.TIOCM_DTR, func(m *ModemBits) *Tristate { return &m.DTR }},
	{"rts", unix.TIOCM_RTS, func(m *ModemBits) *Tristate { return &m.RTS }},
	{"st", unix.TIOCM_ST, func(m *ModemBits) *Tristate { return &m.ST }},
	{"sr", unix.TIOCM_SR, func(m *ModemBits) *Tristate { return &m.SR }},
	{"cts", unix.TIOCM_CTS, func(m *ModemBits) *Tristate { return &m.CTS }},
	{"car", unix.TIOCM_CAR, func(m *ModemBits) *Tristate { return &m.CAR }},
	{"rng", unix.TIOCM_RNG, func(m *ModemBits) *Tristate { return &m.RNG }},
	{"dsr", unix.TIOCM_DSR, func(m *ModemBits) *Tristate { return &m.DSR }},
}

// ModemBitsFromMask decodes a TIOCMGET mask into a fully known ModemBits.
func ModemBitsFromMask(mask uint32) ModemBits {
	var m ModemBits
	for _, l := range modemLines {
		*l.get(&m) = Bool(mask&l.bit != 0)
	}
	return m
}

// AllOff returns a fully known ModemBits with every line off.
func AllOff() ModemBits {
	return ModemBitsFromMask(0)
}

// Known reports whether every line is On or Off.
func (m ModemBits) Known() bool {
	for _, l := range modemLines {
		if *l.get(&m) == Unknown {
			return false
		}
	}
	return true
}

// MaskOf returns the bits of every line whose state equals s.
func (m ModemBits) MaskOf(s Tristate) uint32 {
	var mask uint32
	for _, l := range modemLines {
		if *l.get(&m) == s {
			mask |= l.bit
		}
	}
	return mask
}

// Mask packs m into a TIOCMSET mask. It fails unless m is fully known.
func (m ModemBits) Mask() (uint32, error) {
	if !m.Known() {
		return 0, errors.Wrapf(ErrModemBitsUnknown, "%s", m)
	}
	return m.MaskOf(On), nil
}

func (m ModemBits) String() string {
	var sb strings.Builder
	sb.WriteString("ModemBits(")
	for i, l := range modemLines {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(l.name)
		sb.WriteByte('=')
		sb.WriteString(l.get(&m).String())
	}
	sb.WriteByte(')')
	return sb.String()
}
