package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// Publish moves a completed download at stagePath into the ingest
// directory at paths.FinalPath, via the intermediate name so a reader
// polling the ingest directory never observes a partially-written
// final file. A plain os.Rename is tried first; cross-device links
// fall back to copy-with-permissions, then a permission-less copy.
// ctx is checked once more right before the final rename so a
// cancellation that lands mid-publish still aborts instead of handing
// the library a file its queue entry says was cancelled.
func Publish(ctx context.Context, logger *zap.Logger, stagePath string, paths Paths) error {
	if _, err := os.Stat(stagePath); err != nil {
		return fmt.Errorf("staged download missing: %w", err)
	}

	if err := os.Rename(stagePath, paths.IntermediatePath); err != nil {
		logger.Debug("rename into ingest dir failed, falling back to copy", zap.Error(err))
		os.Remove(paths.IntermediatePath)

		if copyErr := copyFile(stagePath, paths.IntermediatePath, true); copyErr != nil {
			logger.Debug("copy with permissions failed, falling back to plain copy", zap.Error(copyErr))
			os.Remove(paths.IntermediatePath)
			if plainErr := copyFile(stagePath, paths.IntermediatePath, false); plainErr != nil {
				return fmt.Errorf("move book into ingest directory: %w", plainErr)
			}
		}
		os.Remove(stagePath)
	}

	if ctx.Err() != nil {
		os.Remove(paths.IntermediatePath)
		return ctx.Err()
	}

	if err := os.Rename(paths.IntermediatePath, paths.FinalPath); err != nil {
		return fmt.Errorf("finalize ingest publish: %w", err)
	}
	return nil
}

func copyFile(src, dst string, preservePermissions bool) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	mode := os.FileMode(0o644)
	if preservePermissions {
		if info, statErr := in.Stat(); statErr == nil {
			mode = info.Mode()
		}
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// RunCustomScript invokes scriptPath with bookPath as its sole
// argument and waits for it to exit. It runs synchronously on the
// calling goroutine with no timeout and no cancellation-token
// awareness: a hanging script blocks the coordinator worker slot that
// called it indefinitely.
func RunCustomScript(scriptPath, bookPath string) error {
	cmd := exec.Command(scriptPath, bookPath)
	return cmd.Run()
}
