package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/comigor/streamchat/internal/chat"
)

var (
	askImage  string
	askSearch bool
)

// askCmd sends one message and streams the reply to stdout.
var askCmd = &cobra.Command{
	Use:   "ask [message]",
	Short: "Send one message and print the streamed reply",
	Args:  cobra.ArbitraryArgs,
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askImage, "image", "i", "", "attach an image file (jpeg, png, webp, gif)")
	askCmd.Flags().BoolVarP(&askSearch, "search", "s", false, "enable web search")
}

func runAsk(cmd *cobra.Command, args []string) error {
	out := &printer{w: cmd.OutOrStdout()}
	e := newEngine(engineObserver(out))
	defer e.Close()

	in := chat.Input{Text: strings.Join(args, " "), WebSearch: askSearch}
	if askImage != "" {
		ref, err := imageFromFile(askImage)
		if err != nil {
			return err
		}
		in.Image = ref
	}

	id := e.ActiveSession()
	out.watch(id)
	if err := e.Send(cmd.Context(), id, in); err != nil {
		return err
	}
	return e.Wait(cmd.Context(), id)
}

// imageFromFile references an image on disk without reading it.
func imageFromFile(path string) (*chat.ImageRef, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	contentType, _, _ := strings.Cut(mime.TypeByExtension(strings.ToLower(filepath.Ext(path))), ";")
	return &chat.ImageRef{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Size:        info.Size(),
		Source:      chat.FileSource(path),
	}, nil
}
