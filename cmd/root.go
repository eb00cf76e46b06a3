package cmd

import (
	"fmt"
	"os"

	"github.com/BioHazard786/directdrop/internal/config"
	"github.com/BioHazard786/directdrop/internal/logging"
	"github.com/BioHazard786/directdrop/internal/transfer"
	"github.com/BioHazard786/directdrop/internal/ui"
	"github.com/BioHazard786/directdrop/internal/version"
	"github.com/spf13/cobra"
)

var (
	flagVerbose bool
	flagOpts    config.Options
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "directdrop",
	Short: "Peer-to-peer file transfer over parallel WebRTC data channels",
	Long: `directdrop moves files directly between two devices. The sender registers
with a signaling hub and prints its peer id; the receiver dials that id and
files flow over a pool of parallel data channels sized by a short network
benchmark.`,
	Version: version.Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(flagVerbose)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}

// LoadConfig resolves flags, environment and defaults.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagOpts)
	if err != nil {
		return nil, transfer.NewError("load config", err)
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}

	return cfg, nil
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&flagOpts.Domain, "domain", "", "Custom domain")
	pf.StringVar(&flagOpts.SignalingURL, "server", "", "Signaling server websocket URL (overrides --domain)")
	pf.StringVarP(&flagOpts.STUNServer, "stun", "s", "", "Custom STUN server")
	pf.StringVarP(&flagOpts.TURNServer, "turn", "t", "", "Custom TURN server")
	pf.StringVar(&flagOpts.TURNUser, "turn-user", "", "TURN username")
	pf.StringVar(&flagOpts.TURNPass, "turn-pass", "", "TURN password")
	pf.BoolVarP(&flagOpts.ForceRelay, "relay", "r", false, "Force relay mode")
	pf.IntVar(&flagOpts.PoolWidth, "pool-width", 0, "Parallel data channels once the benchmark is done")
	pf.IntVar(&flagOpts.ProbeWidth, "probe-width", 0, "Data channels used for the benchmark")
	pf.Int64Var(&flagOpts.ChunkSize, "chunk-size", 0, "Chunk size in bytes")
	pf.IntVar(&flagOpts.BenchmarkSize, "benchmark-size", 0, "Benchmark payload size in bytes")
	pf.BoolVar(&flagOpts.SkipBenchmark, "skip-benchmark", false, "Skip the network benchmark")
	pf.StringVar(&flagOpts.StoreDir, "store-dir", "", "Directory for received chunks before they are merged")
}
