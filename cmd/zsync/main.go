// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command zsync is the thin CLI driver around the zsync core: it resolves
// flags, fetches and parses the control file, ingests seeds, drives the
// remote fetch, and finalizes the reconstructed file in place.
package main

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"unicode"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/c4milo/zsync"
	"github.com/c4milo/zsync/httpfetch"
)

var (
	outputPath  string
	seedPaths   []string
	saveControl string
	referer     string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zsync <control-file-url>",
		Short: "Reconstruct a remote file from local seeds and a zsync control file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0])
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "final output path (defaults to Filename header or the alphanumeric prefix of the URL's basename)")
	cmd.Flags().StringArrayVarP(&seedPaths, "input", "i", nil, "add a local seed file (repeatable)")
	cmd.Flags().StringVarP(&saveControl, "save-control", "k", "", "save the fetched control file to this path")
	cmd.Flags().StringVarP(&referer, "referer", "u", "", "Referer used when resolving relative URLs")
	return cmd
}

func run(ctx context.Context, controlURL string) error {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	client := httpfetch.New()
	client.Referer = referer

	controlBytes, err := fetchControlFile(ctx, client, controlURL)
	if err != nil {
		return fmt.Errorf("fetching control file: %w", err)
	}
	if saveControl != "" {
		if err := os.WriteFile(saveControl, controlBytes, 0o644); err != nil {
			return fmt.Errorf("saving control file to %s: %w", saveControl, err)
		}
	}

	tempDir, err := zsync.NewOSTempDir("")
	if err != nil {
		return err
	}
	defer tempDir.Cleanup()

	session, err := zsync.BeginSession(bytes.NewReader(controlBytes), tempDir, log)
	if err != nil {
		return fmt.Errorf("parsing control file: %w", err)
	}

	target := resolveOutputPath(outputPath, session.State.Filename, controlURL)

	seeds := append([]string{}, seedPaths...)
	if _, err := os.Stat(target); err == nil {
		seeds = append(seeds, target)
	}
	if _, err := os.Stat(target + ".part"); err == nil {
		seeds = append(seeds, target+".part")
	}

	for _, seedPath := range seeds {
		f, err := os.Open(seedPath)
		if err != nil {
			log.Warnf("skipping unreadable seed %s: %v", seedPath, err)
			continue
		}
		err = session.SubmitSeed(seedPath, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("submitting seed %s: %w", seedPath, err)
		}
	}

	if err := session.RenameScratch(target + ".part"); err != nil {
		return err
	}

	adapter := zsync.NewRemoteFetchAdapter(session, client)
	if err := adapter.Run(ctx); err != nil {
		return fmt.Errorf("fetching remaining blocks: %w", err)
	}

	result, err := session.Complete()
	if err != nil {
		return fmt.Errorf("verifying reconstructed file: %w", err)
	}
	log.Infof("reconstruction %s", result)

	return session.Finalize(target)
}

// resolveOutputPath picks the final output path: an explicit -o flag, else
// the control file's Filename header, else the alphanumeric prefix of the
// control URL's basename (spec.md section 6), else a fixed fallback name.
func resolveOutputPath(explicit, filenameHeader, controlURL string) string {
	if explicit != "" {
		return explicit
	}
	if filenameHeader != "" {
		return filenameHeader
	}
	if u, err := url.Parse(controlURL); err == nil {
		base := path.Base(u.Path)
		if prefix := alphanumericPrefix(base); prefix != "" {
			return prefix
		}
	}
	return "zsync-output"
}

// alphanumericPrefix returns the leading run of letters and digits in s,
// e.g. "some-file.tar.gz.zsync" -> "some".
func alphanumericPrefix(s string) string {
	end := 0
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		end += len(string(r))
	}
	return s[:end]
}

func fetchControlFile(ctx context.Context, client *httpfetch.Client, controlURL string) ([]byte, error) {
	chunks, errc := client.FetchRanges(ctx, controlURL, []zsync.ByteRange{{Start: 0, End: 1<<62 - 1}})
	var out []byte
	for chunks != nil || errc != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			out = append(out, c.Payload...)
		case err, ok := <-errc:
			if !ok {
				errc = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
