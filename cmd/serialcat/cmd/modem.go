package cmd

import (
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	serial "github.com/luhtfiimanal/go-serial-transport"
)

var (
	setDTR string
	setRTS string
)

func init() {
	rootCmd.AddCommand(modemCmd)
	modemCmd.Flags().StringVar(&setDTR, "dtr", "", "Drive DTR: on or off")
	modemCmd.Flags().StringVar(&setRTS, "rts", "", "Drive RTS: on or off")
}

var modemCmd = &cobra.Command{
	Use:   "modem <device>",
	Short: "Show or drive modem control lines",
	Long: `Show the modem control lines of a serial device.

With --dtr or --rts the given lines are driven first; lines not named
are left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: runModem,
}

// ModemStatus is the state of every modem line.
type ModemStatus struct {
	Device string `yaml:"device"`
	LE     string `yaml:"le"`
	DTR    string `yaml:"dtr"`
	RTS    string `yaml:"rts"`
	ST     string `yaml:"st"`
	SR     string `yaml:"sr"`
	CTS    string `yaml:"cts"`
	CAR    string `yaml:"car"`
	RNG    string `yaml:"rng"`
	DSR    string `yaml:"dsr"`
}

func parseLine(name, v string) (serial.Tristate, error) {
	switch v {
	case "":
		return serial.Unknown, nil
	case "on", "1", "true":
		return serial.On, nil
	case "off", "0", "false":
		return serial.Off, nil
	default:
		return serial.Unknown, errors.Errorf("--%s: want on or off, got %q", name, v)
	}
}

func runModem(cmd *cobra.Command, args []string) error {
	dtr, err := parseLine("dtr", setDTR)
	if err != nil {
		return err
	}
	rts, err := parseLine("rts", setRTS)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd, args[0])
	if err != nil {
		return err
	}
	lc, err := serial.OpenLineController(cfg)
	if err != nil {
		return err
	}
	defer lc.Close()

	if dtr != serial.Unknown || rts != serial.Unknown {
		if err := lc.SetModemBits(serial.ModemBits{DTR: dtr, RTS: rts}); err != nil {
			return errors.Wrap(err, "set modem lines")
		}
	}

	m, err := lc.ModemBits()
	if err != nil {
		return errors.Wrap(err, "read modem lines")
	}
	status := ModemStatus{
		Device: lc.Path(),
		LE:     m.LE.String(),
		DTR:    m.DTR.String(),
		RTS:    m.RTS.String(),
		ST:     m.ST.String(),
		SR:     m.SR.String(),
		CTS:    m.CTS.String(),
		CAR:    m.CAR.String(),
		RNG:    m.RNG.String(),
		DSR:    m.DSR.String(),
	}

	if outputFormat != "table" {
		return formatOutput(status)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Line", "State"})
	table.SetBorder(false)
	for _, row := range [][]string{
		{"LE", status.LE}, {"DTR", status.DTR}, {"RTS", status.RTS},
		{"ST", status.ST}, {"SR", status.SR}, {"CTS", status.CTS},
		{"CAR", status.CAR}, {"RNG", status.RNG}, {"DSR", status.DSR},
	} {
		table.Append(row)
	}
	table.Render()
	return nil
}
