// Package cli implements the command line interface for iceagentd.
package cli

import (
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/libp2p/go-reuseport"
	"github.com/mitchellh/go-homedir"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"github.com/SkySwitch/mediastreamer2/internal/auth"
	"github.com/SkySwitch/mediastreamer2/internal/ice"
	"github.com/SkySwitch/mediastreamer2/internal/reload"
	"github.com/SkySwitch/mediastreamer2/internal/server"
)

const keyPrometheusActive = "server.prometheus.active"

// defaultConfigFileContent seeds a fresh config file when none is found on
// the search path.
const defaultConfigFileContent = `version: "1"
server:
  listen: "0.0.0.0:5000"
  reuseport: true
  role: controlling
  ta: 20
  maxchecks: 100
  keepalive: 15
  prometheus:
    active: false
`

// getZapConfig decodes zap logging configuration from the configuration
// file in use, falling back to a sane production default.
func getZapConfig(v *viper.Viper) (zap.Config, error) {
	type cfgWrapper struct {
		Server struct {
			Log zap.Config `yaml:"log"`
		} `yaml:"server"`
	}

	d := zap.Config{
		DisableCaller:     true,
		DisableStacktrace: true,
		Level:             zap.NewAtomicLevel(),
		Development:       false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.EpochTimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if v.GetBool("server.development") {
		d = zap.NewDevelopmentConfig()
	}
	if v.ConfigFileUsed() == "" {
		return d, nil
	}

	raw := &cfgWrapper{}
	raw.Server.Log = d
	f, openErr := os.Open(v.ConfigFileUsed())
	if openErr != nil {
		return d, openErr
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			log.Println("failed to close config file:", closeErr)
		}
	}()
	buf, readErr := ioutil.ReadAll(f)
	if readErr != nil {
		return d, readErr
	}
	return raw.Server.Log, yaml.Unmarshal(buf, &raw)
}

func getLogger(v *viper.Viper) *zap.Logger {
	logCfg, logErr := getZapConfig(v)
	if logErr != nil {
		panic(logErr)
	}
	l, buildErr := logCfg.Build()
	if buildErr != nil {
		panic(buildErr)
	}
	return l
}

func mustBind(err error) {
	if err != nil {
		log.Fatalln("failed to bind:", err)
	}
}

// TODO: Remove global state.
var cfgFile string

func initConfigSnap(v *viper.Viper) {
	cfgRoot := os.Getenv("SNAP_USER_DATA")
	cfgDir, err := os.Open(cfgRoot) // #nosec
	if err != nil {
		log.Fatalln("failed to open config directory:", err)
	}
	stat, statErr := cfgDir.Stat()
	if statErr != nil {
		log.Fatalln("failed to stat config directory:", statErr)
	}
	if !stat.IsDir() {
		log.Fatalln("the", cfgDir, "is not directory")
	}
	_, statErr = os.Stat(filepath.Join(cfgRoot, "iceagentd.yml"))
	if statErr != nil {
		if !os.IsNotExist(statErr) {
			log.Fatalln("failed to stat config file:", statErr)
		}
		f, createErr := os.Create(filepath.Join(cfgRoot, "iceagentd.yml"))
		if createErr != nil {
			log.Fatalln("failed to create initial config file:", createErr)
		}
		defer func() {
			if closeErr := f.Close(); closeErr != nil {
				log.Fatalln("failed to close config file:", closeErr)
			}
		}()
		if _, writeErr := fmt.Fprint(f, defaultConfigFileContent); writeErr != nil {
			log.Fatalln("failed to write default config file:", writeErr)
		}
	}
	v.AddConfigPath(cfgRoot)
}

func initConfigCommon(v *viper.Viper) {
	home, err := homedir.Dir()
	if err != nil {
		log.Fatalln("failed to find home directory:", err)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/iceagentd/")
	v.AddConfigPath(home)
}

func initConfig(v *viper.Viper) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if os.Getenv("SNAP_NAME") != "" {
			initConfigSnap(v)
		} else {
			initConfigCommon(v)
		}
		v.SetConfigName("iceagentd")
		v.SetConfigType("yaml")
	}
	cfgErr := v.ReadInConfig()
	if _, ok := cfgErr.(viper.ConfigFileNotFoundError); ok {
		cfgErr = v.ReadConfig(strings.NewReader(defaultConfigFileContent))
	}
	if cfgErr != nil {
		log.Fatalln("failed to read config:", cfgErr)
	}
}

func initViper(v *viper.Viper) {
	v.SetDefault("version", "1")
	v.SetDefault("server.reuseport", true)
	v.SetDefault("server.role", "controlling")
	v.SetDefault("server.ta", 20)
	v.SetDefault("server.maxchecks", 100)
	v.SetDefault("server.keepalive", 15)
	v.SetDefault(keyPrometheusActive, false)
}

func parseRole(v *viper.Viper) ice.Role {
	if strings.EqualFold(v.GetString("server.role"), "controlled") {
		return ice.Controlled
	}
	return ice.Controlling
}

func normalize(address string) string {
	if address == "" {
		address = "0.0.0.0:5000"
	}
	return address
}

// ListenUDPAndServe opens a UDP socket on laddr and hosts an Agent on it,
// subscribing the agent to u so config reloads reach it.
func ListenUDPAndServe(laddr string, v *viper.Viper, l *zap.Logger, u *server.Updater, sessions *auth.Registry) error {
	var (
		c   net.PacketConn
		err error
	)
	opt := u.Get()
	if reuseport.Available() && v.GetBool("server.reuseport") {
		c, err = reuseport.ListenPacket("udp", laddr)
	} else {
		c, err = net.ListenPacket("udp", laddr)
	}
	if err != nil {
		return err
	}
	opt.Conn = c
	opt.Log = l
	opt.Sessions = sessions
	a, err := server.New(opt)
	if err != nil {
		return err
	}
	u.Subscribe(a)
	l.Info("listening",
		zap.String("addr", laddr),
		zap.Stringer("role", opt.Role),
	)
	return nil
}

func parseOptions(v *viper.Viper) server.Options {
	return server.Options{
		Role:                    parseRole(v),
		TaMS:                    v.GetInt("server.ta"),
		MaxConnectivityChecks:   v.GetInt("server.maxchecks"),
		KeepaliveTimeoutSeconds: v.GetInt("server.keepalive"),
		LocalUfrag:              v.GetString("server.ufrag"),
		LocalPwd:                v.GetString("server.pwd"),
		MetricsEnabled:          v.GetBool(keyPrometheusActive),
	}
}

func getRoot(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "iceagentd",
		Short: "iceagentd hosts an ICE connectivity-check agent",
		Run: func(cmd *cobra.Command, args []string) {
			l := getLogger(v)
			if cfgPath := v.ConfigFileUsed(); len(cfgPath) > 0 {
				l.Info("config file used", zap.String("path", cfgPath))
			} else {
				l.Info("default configuration used")
			}
			if strings.Split(v.GetString("version"), ".")[0] != "1" {
				l.Fatal("unsupported config file version", zap.String("v", v.GetString("version")))
			}

			reg := prometheus.NewPedanticRegistry()
			if addr := v.GetString("server.prometheus.addr"); addr != "" {
				l.Warn("running prometheus metrics", zap.String("addr", addr))
				go func() {
					h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
						ErrorLog:      zap.NewStdLog(l),
						ErrorHandling: promhttp.HTTPErrorOnError,
					})
					if listenErr := http.ListenAndServe(addr, h); listenErr != nil {
						l.Error("prometheus failed to listen", zap.String("addr", addr), zap.Error(listenErr))
					}
				}()
			} else if v.GetBool(keyPrometheusActive) {
				l.Warn("ignoring " + keyPrometheusActive + " because prometheus http endpoint is not configured")
			}

			o := parseOptions(v)
			o.Log = l
			o.Registry = reg
			sessions := auth.NewRegistry()
			u := server.NewUpdater(o)

			n := reload.NewNotifier()
			go func() {
				for range n.C {
					l.Info("reload signal received, re-reading remote credentials")
					if readErr := v.ReadInConfig(); readErr != nil {
						l.Error("failed to read config", zap.Error(readErr))
						continue
					}
					ufrag, pwd := v.GetString("server.remote_ufrag"), v.GetString("server.remote_pwd")
					if ufrag == "" {
						continue
					}
					for _, a := range u.Listeners() {
						a.UpdateRemoteCredentials(ufrag, pwd)
					}
					l.Info("remote credentials updated")
				}
			}()

			laddr := normalize(v.GetString("server.listen"))
			if lErr := ListenUDPAndServe(laddr, v, l, u, sessions); lErr != nil {
				l.Fatal("failed to listen", zap.Error(lErr))
			}
			select {} // the agent's loops run on their own goroutines
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/iceagentd.yml)")
	rootCmd.Flags().StringP("listen", "l", "0.0.0.0:5000", "listen address")
	rootCmd.Flags().String("role", "controlling", "ICE role: controlling or controlled")
	rootCmd.Flags().Int("ta", 20, "pacing timer in milliseconds")
	mustBind(v.BindPFlag("server.listen", rootCmd.Flags().Lookup("listen")))
	mustBind(v.BindPFlag("server.role", rootCmd.Flags().Lookup("role")))
	mustBind(v.BindPFlag("server.ta", rootCmd.Flags().Lookup("ta")))
	return rootCmd
}

// Execute starts the root command.
func Execute() {
	v := viper.GetViper()
	initViper(v)
	cobra.OnInitialize(func() { initConfig(v) })
	rootCmd := getRoot(v)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
