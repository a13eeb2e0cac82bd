package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stagegate/internal/config"
	"stagegate/internal/engine"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Registry of stages, gates and agents"}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configImportCmd())
	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configDefaultCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the registry in effect",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				data, err := e.Config.Marshal()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Validate a registry file and store it in the workspace",
		Long:  "Later commands and server starts use the stored registry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Reconfigure(ctx, cfg, actorID()); err != nil {
					return err
				}
				fmt.Printf("Imported registry for campaign %s (%d stages, %d gates, %d agents)\n",
					cfg.Campaign.ID, len(cfg.Stages), len(cfg.Gates), len(cfg.Agents))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "registry YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a registry file without storing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(file); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", file)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "registry YAML (default stagegate.yml in the workspace)")
	return cmd
}

func configDefaultCmd() *cobra.Command {
	var write bool
	var campaignID string
	cmd := &cobra.Command{
		Use:   "default",
		Short: "Print the built-in legislative registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if campaignID == "" {
				abs, err := filepath.Abs(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				campaignID = filepath.Base(abs)
			}
			text := config.GenerateDefault(campaignID)
			if !write {
				fmt.Print(text)
				return nil
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "write stagegate.yml into the workspace")
	cmd.Flags().StringVar(&campaignID, "campaign-id", "", "campaign id (default workspace directory name)")
	return cmd
}
