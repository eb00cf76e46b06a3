package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/BioHazard786/directdrop/internal/config"
	"github.com/BioHazard786/directdrop/internal/files"
	"github.com/BioHazard786/directdrop/internal/scheduler"
	"github.com/BioHazard786/directdrop/internal/transfer"
	"github.com/BioHazard786/directdrop/internal/ui"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:     "send <file>...",
	Aliases: []string{"s"},
	Short:   "Send files to a receiver",
	Long: `Send files directly to a receiver over parallel WebRTC data channels.

Examples:
  directdrop send file1.txt file2.pdf
  directdrop send --domain custom.example.com file.txt
  directdrop send --relay --pool-width 4 file.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("no files specified")
		}
		return sendFiles(cmd.Context(), args)
	},
}

func sendFiles(ctx context.Context, filePaths []string) error {
	stopSpinner := ui.RunSpinner("Validating files...")
	fileInfos, err := files.ValidateFiles(filePaths)
	stopSpinner()
	if err != nil {
		return err
	}

	displayFileTable(fileInfos)

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	outs, closeFiles, err := openFiles(fileInfos)
	if err != nil {
		return err
	}
	defer closeFiles()

	fmt.Println()
	r, err := newRunner(ctx, cfg, ui.ModeSend, transfer.TransferOptions{}, false)
	if err != nil {
		return err
	}
	defer r.Close()

	displayPeerInfo(r.LocalID(), cfg)

	if err := r.Open(ctx, ""); err != nil {
		return transfer.NewError("start session", err)
	}
	if err := r.Send(ctx, outs); err != nil {
		return transfer.NewError("queue files", err)
	}

	err = r.Wait(ctx)
	r.Close()
	r.Report()
	return err
}

func displayFileTable(fileInfos []files.FileInfo) {
	items := make([]ui.FileTableItem, len(fileInfos))
	for i, f := range fileInfos {
		items[i] = ui.FileTableItem{Index: i + 1, Name: f.Name, Size: f.Size, Type: f.Type}
	}
	fmt.Println()
	ui.RenderFileTable(items)
}

func displayPeerInfo(peerID string, cfg *config.Config) {
	info := &ui.PeerInfo{
		PeerID:   peerID,
		PeerLink: cfg.GetPeerLink(peerID),
		Command:  "directdrop receive " + peerID,
	}
	info.Render()
}

// openFiles opens every file for random access reads. The returned func
// closes them all.
func openFiles(fileInfos []files.FileInfo) ([]scheduler.Outbound, func(), error) {
	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}

	outs := make([]scheduler.Outbound, 0, len(fileInfos))
	for _, info := range fileInfos {
		f, err := os.Open(info.Path)
		if err != nil {
			closeAll()
			return nil, nil, transfer.NewFileError("open", info.Name, err)
		}
		opened = append(opened, f)
		outs = append(outs, scheduler.Outbound{
			Name:     info.Name,
			Size:     info.Size,
			MimeType: info.Type,
			Reader:   f,
		})
	}
	return outs, closeAll, nil
}

func init() {
	rootCmd.AddCommand(sendCmd)
}
