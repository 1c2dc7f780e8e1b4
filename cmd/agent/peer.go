package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"wgkeeper/internal/agent"
	"wgkeeper/internal/device"
)

// loadRecord reads the device record for the peer subcommands.
func loadRecord(a *app) (device.Record, error) {
	rec, err := device.NewStore(a.cfg.DeviceFile, a.logger).Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", agent.ErrDeviceState, err)
	}
	if !rec.Valid() {
		return nil, fmt.Errorf("device is not registered (missing %s)", strings.Join(rec.Missing(), ", "))
	}
	return rec, nil
}

func peerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Repair the relay peer by hand",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add",
		Short: "Add the relay peer to the running interface without a restart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			rec, err := loadRecord(a)
			if err != nil {
				return err
			}
			return newReconciler(a.cfg, a.logger).AddPeer(cmd.Context(), rec)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <public-key>",
		Short: "Remove every [Peer] with the given public key from the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			removed, err := newReconciler(a.cfg, a.logger).RemovePeer(args[0])
			if err != nil {
				return err
			}
			if !removed {
				fmt.Println("peer not found in " + a.cfg.ConfigPath)
				return nil
			}
			fmt.Println("peer removed from " + a.cfg.ConfigPath)
			return nil
		},
	})
	return cmd
}
