package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cozyapp/cozylink/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show and edit the cozylink configuration",
	}
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigTestCmd())
	return cmd
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			path, err := configPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Printf("No config file at %s, showing defaults.\n\n", path)
			} else {
				fmt.Printf("Config file: %s\n\n", path)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "server.host\t%s\n", cfg.ServerHost)
			fmt.Fprintf(w, "server.port\t%d\n", cfg.ServerPort)
			fmt.Fprintf(w, "server.use_tls\t%t\n", cfg.UseTLS)
			fmt.Fprintf(w, "server.auth_token\t%s\n", maskSecret(cfg.AuthToken))
			fmt.Fprintf(w, "proxy.mode\t%s\n", cfg.ProxyMode)
			fmt.Fprintf(w, "proxy.host\t%s\n", cfg.ProxyHost)
			fmt.Fprintf(w, "proxy.port\t%d\n", cfg.ProxyPort)
			fmt.Fprintf(w, "proxy.user\t%s\n", cfg.ProxyUser)
			fmt.Fprintf(w, "proxy.password\t%s\n", maskSecret(cfg.ProxyPassword))
			fmt.Fprintf(w, "proxy.no_proxy\t%s\n", cfg.NoProxy)
			fmt.Fprintf(w, "cache.enabled\t%t\n", cfg.CacheEnabled)
			fmt.Fprintf(w, "cache.dir\t%s\n", cfg.CacheDir)
			fmt.Fprintf(w, "cache.max_age_days\t%d\n", cfg.CacheMaxAgeDays)
			return w.Flush()
		},
	}
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one configuration value and save the file",
		Long: `Set a configuration key. Keys use section.name form, for example:

  cozylink config set server.host 192.168.1.20
  cozylink config set server.port 8188
  cozylink config set proxy.mode system
  cozylink config set cache.max_age_days 14`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := applyConfigKey(cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			path, err := configPath()
			if err != nil {
				return err
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Printf("Set %s and saved %s\n", args[0], path)
			return nil
		},
	}
}

func applyConfigKey(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "server.host":
		cfg.ServerHost = value
	case "server.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return config.ErrInvalidServerPort
		}
		cfg.ServerPort = port
	case "server.use_tls":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("server.use_tls must be true or false")
		}
		cfg.UseTLS = b
	case "server.auth_token":
		cfg.AuthToken = value
	case "proxy.mode":
		cfg.ProxyMode = value
	case "proxy.host":
		cfg.ProxyHost = value
	case "proxy.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("proxy.port must be a number")
		}
		cfg.ProxyPort = port
	case "proxy.user":
		cfg.ProxyUser = value
	case "proxy.password":
		cfg.ProxyPassword = value
	case "proxy.no_proxy":
		cfg.NoProxy = value
	case "cache.enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cache.enabled must be true or false")
		}
		cfg.CacheEnabled = b
	case "cache.dir":
		cfg.CacheDir = value
	case "cache.max_age_days":
		days, err := strconv.Atoi(value)
		if err != nil {
			return config.ErrInvalidCacheAge
		}
		cfg.CacheMaxAgeDays = days
	default:
		return fmt.Errorf("unknown configuration key %q", key)
	}
	return nil
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}

			cfg := config.New()
			if serverAddr != "" {
				host, port, err := config.ParseServerAddr(serverAddr)
				if err != nil {
					return err
				}
				cfg.ServerHost = host
				cfg.ServerPort = port
			}
			if authToken != "" {
				cfg.AuthToken = authToken
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func newConfigTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Check that the configured server is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := client.Ping(GetContext()); err != nil {
				return fmt.Errorf("server unreachable: %w", err)
			}
			fmt.Println("Server is reachable.")
			return nil
		},
	}
}
