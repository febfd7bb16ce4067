package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

func init() {
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List serial ports",
	Long:  "List the serial ports found on this host, with USB details when available.",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

// PortInfo is one row of the port listing.
type PortInfo struct {
	Name         string `yaml:"name"`
	USB          bool   `yaml:"usb"`
	VID          string `yaml:"vid,omitempty"`
	PID          string `yaml:"pid,omitempty"`
	SerialNumber string `yaml:"serial_number,omitempty"`
	Product      string `yaml:"product,omitempty"`
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return errors.Wrap(err, "enumerate ports")
	}

	infos := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		infos = append(infos, PortInfo{
			Name:         p.Name,
			USB:          p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}

	if outputFormat != "table" {
		return formatOutput(infos)
	}

	if len(infos) == 0 {
		fmt.Println("No serial ports found.")
		return nil
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Port", "USB", "VID:PID", "Serial", "Product"})
	table.SetBorder(false)
	for _, p := range infos {
		usb, id := "no", ""
		if p.USB {
			usb = "yes"
			id = p.VID + ":" + p.PID
		}
		table.Append([]string{p.Name, usb, id, p.SerialNumber, p.Product})
	}
	table.Render()
	return nil
}
