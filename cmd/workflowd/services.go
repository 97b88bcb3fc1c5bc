package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/workflowd/internal/controlplane"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List registered worker services",
	RunE:  runServices,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the daemon and its database",
	RunE:  runHealth,
}

func runServices(cmd *cobra.Command, args []string) error {
	var services []controlplane.ServiceView
	if err := apiGet("/services", &services); err != nil {
		return err
	}
	if len(services) == 0 {
		fmt.Println("No services registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tHOST\tPID\tALIVE\tLAST HEARTBEAT\tTASKS")
	for _, s := range services {
		host := "*"
		if s.Host != nil {
			host = *s.Host
		}
		alive := 0
		for _, t := range s.Tasks {
			if t.IsAlive {
				alive++
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%t\t%s\t%d/%d\n",
			s.ID, s.Name, host, s.PID, s.IsAlive, s.Timestamp.Local().Format(time.DateTime), alive, len(s.Tasks))
	}
	return w.Flush()
}

func runHealth(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth()
	if health != nil {
		fmt.Printf("OK:      %t\n", health.OK)
		fmt.Printf("DB:      %s\n", health.DB)
		fmt.Printf("Version: %s\n", health.Version)
		fmt.Printf("Time:    %s\n", health.Time)
	}
	return err
}
