package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/BioHazard786/directdrop/internal/transfer"
	"github.com/BioHazard786/directdrop/internal/ui"
	"github.com/BioHazard786/directdrop/internal/utils"
	"github.com/spf13/cobra"
)

var (
	flagReceiverZip      bool
	flagReceiverDir      string
	flagReceiverNoThumbs bool
)

var receiveCmd = &cobra.Command{
	Use:     "receive <peer-id|url>",
	Aliases: []string{"r"},
	Short:   "Receive files from a sender",
	Long: `Receive files directly from a sender over parallel WebRTC data channels.

Examples:
  directdrop receive sleepy-otter-comet
  directdrop receive https://directdrop.qzz.io/p/sleepy-otter-comet
  directdrop receive sleepy-otter-comet --zip --dir ~/Downloads`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID, err := parsePeerInput(args[0])
		if err != nil {
			return err
		}
		return receiveFiles(cmd.Context(), peerID)
	},
}

func receiveFiles(ctx context.Context, peerID string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	opts, tempDir, cleanup, err := prepareTransferOptions(flagReceiverZip, flagReceiverDir)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	fmt.Println()
	thumbs := !flagReceiverNoThumbs && !flagReceiverZip
	r, err := newRunner(ctx, cfg, ui.ModeReceive, *opts, thumbs)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.Open(ctx, peerID); err != nil {
		return transfer.NewError("start session", err)
	}

	err = r.Wait(ctx)
	r.Close()
	r.Report()
	if err != nil {
		return err
	}

	return finalizeTransfer(flagReceiverZip, flagReceiverDir, tempDir)
}

func prepareTransferOptions(zipMode bool, outputDir string) (*transfer.TransferOptions, string, func(), error) {
	opts := &transfer.TransferOptions{
		ZipMode:   zipMode,
		OutputDir: outputDir,
	}

	var tempDir string
	var cleanup func()

	if zipMode {
		var err error
		tempDir, err = os.MkdirTemp("", "directdrop-receive-*")
		if err != nil {
			return nil, "", nil, transfer.NewError("create temp dir", err)
		}
		opts.OutputDir = tempDir
		cleanup = func() {
			os.RemoveAll(tempDir)
		}
	}

	return opts, tempDir, cleanup, nil
}

func finalizeTransfer(zipMode bool, outputDir, tempDir string) error {
	if !zipMode {
		return nil
	}

	zipName := fmt.Sprintf("directdrop-download-%d.zip", time.Now().UnixMilli())
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return transfer.NewError("create output dir", err)
		}
		zipName = filepath.Join(outputDir, zipName)
	}

	fmt.Println()
	s := ui.NewWaitingSpinner("Zipping files...")
	s.Start()
	n, err := utils.ZipDirectory(tempDir, zipName)
	if err != nil {
		s.Stop()
		return transfer.NewError("zip files", err)
	}
	s.Success(fmt.Sprintf("%d files zipped to %s", n, zipName))

	return nil
}

// parsePeerInput accepts a bare peer id or a share link.
func parsePeerInput(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("peer ID cannot be empty")
	}

	if strings.Contains(input, "://") || strings.Contains(input, ".") {
		peerID, err := extractPeerIDFromURL(input)
		if err != nil {
			return "", err
		}
		ui.PrintSuccessf("Extracted peer ID: %s", peerID)
		return peerID, nil
	}

	return input, nil
}

func extractPeerIDFromURL(urlStr string) (string, error) {
	if !strings.Contains(urlStr, "://") {
		urlStr = "https://" + urlStr
	}
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return "", transfer.NewError("parse URL", err)
	}

	path := strings.TrimSuffix(parsedURL.Path, "/")
	parts := strings.Split(path, "/")

	for i, part := range parts {
		if part == "p" && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1], nil
		}
	}

	return "", fmt.Errorf("could not extract peer ID from URL: %s", urlStr)
}

func init() {
	rootCmd.AddCommand(receiveCmd)

	receiveCmd.Flags().BoolVarP(&flagReceiverZip, "zip", "z", false, "Zip received files")
	receiveCmd.Flags().StringVarP(&flagReceiverDir, "dir", "d", "", "Directory to save received files")
	receiveCmd.Flags().BoolVar(&flagReceiverNoThumbs, "no-thumbnails", false, "Do not render previews of received images")
}
