package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wirelead/wirelead/internal/config"
	"github.com/wirelead/wirelead/internal/db"
)

func main() {
	root := &cobra.Command{
		Use:   "wirelead",
		Short: "Multi-tenant WhatsApp messaging bridge",
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the API server and session manager",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			return db.Migrate(cfg.Postgres)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
