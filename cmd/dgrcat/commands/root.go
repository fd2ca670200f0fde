package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/damao33/dgr-go"
)

const defaultConfigPath = "~/.dgr/config.yaml"

var (
	configPath  string
	logLevel    string
	metricsAddr string
	listenAddr  string

	log = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:          "dgrcat",
	Short:        "Send and receive messages over DGR",
	SilenceUsage: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		lvl, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		log.SetLevel(lvl)
		log.SetOutput(os.Stderr)
		if metricsAddr != "" {
			serveMetrics(metricsAddr)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "yaml config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&metricsAddr, "metrics", "m", "", "address to bind metrics API to, e.g. :2121")
	rootCmd.PersistentFlags().StringVarP(&listenAddr, "listen", "l", ":0", "local address of the access point")

	rootCmd.AddCommand(
		recvCmd,
		sendCmd,
		echoCmd,
	)
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig 读取 --config，默认路径不存在时使用默认参数
func loadConfig() (*dgr.Config, error) {
	path, err := homedir.Expand(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "resolve config path")
	}
	cfg, err := dgr.LoadConfig(path)
	if err != nil {
		if configPath == defaultConfigPath && errors.Is(err, os.ErrNotExist) {
			log.WithField("path", path).Debug("no config file, using defaults")
			cfg = dgr.DefaultConfig()
		} else {
			return nil, err
		}
	}
	cfg.Logger = log
	return cfg, nil
}

// openAccessPoint 按全局参数打开 access point
func openAccessPoint() (*dgr.AccessPoint, *dgr.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	ap, err := dgr.Open(listenAddr, cfg)
	if err != nil {
		return nil, nil, err
	}
	log.WithField("addr", ap.LocalAddr()).Info("access point open")
	return ap, cfg, nil
}

func serveMetrics(addr string) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(dgr.NewSnmpCollector(nil))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Error("Failed to start metrics API")
		}
	}()
}

// signalContext 收到 SIGINT/SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
