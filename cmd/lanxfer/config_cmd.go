package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"lanxfer/pkg/auth"
	"lanxfer/pkg/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage lanxfer settings",
	}
	cmd.AddCommand(configInitCmd(), configShowCmd(), configPathCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var (
		force     bool
		withToken bool
		name      string
		saveDir   string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a settings file with the defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configFile
			if path == "" {
				path = config.DefaultConfigPath()
			}
			expanded, err := homedir.Expand(path)
			if err != nil {
				return err
			}
			if _, err := os.Stat(expanded); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", expanded)
			}

			settings := config.DefaultSettings()
			if name != "" {
				settings.DisplayName = name
			}
			if saveDir != "" {
				settings.SaveDirectory = saveDir
			}
			settings.HistoryPath = config.DefaultHistoryPath()
			if withToken {
				token, err := auth.GenerateToken()
				if err != nil {
					return err
				}
				settings.ControlToken = token
			}
			if err := settings.Validate(); err != nil {
				return err
			}

			if err := config.Save(expanded, settings); err != nil {
				return err
			}
			fmt.Println(accentValueStyle.Render("Wrote ") + expanded)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&withToken, "token", true, "generate a control API token")
	cmd.Flags().StringVar(&name, "name", "", "display name announced to peers")
	cmd.Flags().StringVar(&saveDir, "dir", "", "directory received files are saved to")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings, including environment overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			data, err := config.Encode(settings)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the settings file location",
		Run: func(cmd *cobra.Command, args []string) {
			if configFile != "" {
				fmt.Println(configFile)
				return
			}
			fmt.Println(config.DefaultConfigPath())
		},
	}
}
