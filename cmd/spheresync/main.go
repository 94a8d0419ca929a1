package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"spheresync/core"
	"spheresync/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "spheresync", Short: "wallet-state synchronization engine"}
	rootCmd.PersistentFlags().String("config", "", "config file path")
	rootCmd.PersistentFlags().String("secret-hex", "", "wallet secret as hex")
	rootCmd.PersistentFlags().String("mnemonic", "", "BIP-39 recovery phrase")
	rootCmd.PersistentFlags().String("state-dir", "", "chain-state directory")
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(saveCmd())
	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(existsCmd())
	rootCmd.AddCommand(clearCmd())
	rootCmd.AddCommand(gatewaysCmd())
	rootCmd.AddCommand(configCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadOptions(cmd *cobra.Command) (core.Options, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return core.Options{}, err
	}
	opts := cfg.Options()
	stateDir, _ := cmd.Flags().GetString("state-dir")
	if stateDir == "" {
		stateDir = cfg.StateDir
	}
	if stateDir != "" {
		store, err := core.NewFileStatePersistence(stateDir)
		if err != nil {
			return core.Options{}, err
		}
		opts.Persistence = store
	}
	return opts, nil
}

// newProvider builds and initializes a provider from flags.
func newProvider(cmd *cobra.Command) (*core.Provider, error) {
	opts, err := loadOptions(cmd)
	if err != nil {
		return nil, err
	}
	p := core.NewProvider(opts)

	if hexSecret, _ := cmd.Flags().GetString("secret-hex"); hexSecret != "" {
		secret, err := hex.DecodeString(hexSecret)
		if err != nil {
			return nil, fmt.Errorf("secret-hex: %w", err)
		}
		if err := p.SetWalletSecret(secret); err != nil {
			return nil, err
		}
	} else if mnemonic, _ := cmd.Flags().GetString("mnemonic"); mnemonic != "" {
		if err := p.SetWalletMnemonic(mnemonic, ""); err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("either --secret-hex or --mnemonic is required")
	}

	if res := p.Initialize(context.Background()); !res.Success {
		return nil, fmt.Errorf("initialize: %s", res.Error)
	}
	return p, nil
}

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "derive and print the wallet's IPNS name",
		RunE: func(cmd *cobra.Command, args []string) error {
			if hexSecret, _ := cmd.Flags().GetString("secret-hex"); hexSecret != "" {
				secret, err := hex.DecodeString(hexSecret)
				if err != nil {
					return err
				}
				id, err := core.DeriveIdentity(secret)
				if err != nil {
					return err
				}
				fmt.Println(id.Name)
				return nil
			}
			if mnemonic, _ := cmd.Flags().GetString("mnemonic"); mnemonic != "" {
				id, err := core.IdentityFromMnemonic(mnemonic, "")
				if err != nil {
					return err
				}
				fmt.Println(id.Name)
				return nil
			}
			return fmt.Errorf("either --secret-hex or --mnemonic is required")
		},
	}
}

func saveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save [file]",
		Short: "stage a document and flush it to the network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0])
			if err != nil {
				return err
			}
			p, err := newProvider(cmd)
			if err != nil {
				return err
			}
			res := p.Save(doc)
			if !res.Success {
				return fmt.Errorf("save: %s", res.Error)
			}
			// CLI invocations are one-shot: drain the buffer before exit.
			p.Shutdown(context.Background())
			logrus.Info("saved")
			return nil
		},
	}
}

func loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load [cid]",
		Short: "load the wallet document (optionally a specific CID)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newProvider(cmd)
			if err != nil {
				return err
			}
			defer p.Shutdown(context.Background())
			identifier := ""
			if len(args) > 0 {
				identifier = args[0]
			}
			res := p.Load(context.Background(), identifier)
			if !res.Success {
				return fmt.Errorf("load: %s", res.Error)
			}
			out, err := json.MarshalIndent(res.Data, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			logrus.Infof("loaded %s from %s", res.Cid, res.Source)
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [file]",
		Short: "merge a local document with the network state and publish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0])
			if err != nil {
				return err
			}
			p, err := newProvider(cmd)
			if err != nil {
				return err
			}
			defer p.Shutdown(context.Background())
			res := p.Sync(context.Background(), doc)
			if !res.Success {
				return fmt.Errorf("sync: %s", res.Error)
			}
			logrus.Infof("synced %s (added=%d removed=%d conflicts=%d)",
				res.Cid, res.Stats.Added, res.Stats.Removed, res.Stats.Conflicts)
			return nil
		},
	}
}

func existsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists",
		Short: "check whether a pointer record exists for this wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newProvider(cmd)
			if err != nil {
				return err
			}
			defer p.Shutdown(context.Background())
			ok, err := p.Exists(context.Background())
			if err != nil {
				return err
			}
			fmt.Println(ok)
			return nil
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "publish an empty document and wipe local state",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newProvider(cmd)
			if err != nil {
				return err
			}
			defer p.Shutdown(context.Background())
			res := p.Clear(context.Background())
			if !res.Success {
				return fmt.Errorf("clear: %s", res.Error)
			}
			logrus.Info("cleared")
			return nil
		},
	}
}

func gatewaysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateways",
		Short: "probe configured gateways and report health",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions(cmd)
			if err != nil {
				return err
			}
			opts = opts.Normalize()
			cache := core.NewCache(opts, nil)
			gw := core.NewGatewayClient(opts, cache, core.NewRecordCodec())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			healthy := gw.FindHealthy(ctx)
			for _, h := range healthy {
				fmt.Printf("%s\t%s\n", h.Gateway, h.ResponseTime)
			}
			if len(healthy) == 0 {
				return fmt.Errorf("no healthy gateways")
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config"}
	show := &cobra.Command{
		Use:   "show",
		Short: "print the effective configuration",
		RunE: func(c *cobra.Command, args []string) error {
			path, _ := c.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	cmd.AddCommand(show)
	return cmd
}

func readDocument(path string) (core.TxfData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc core.TxfData
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}
