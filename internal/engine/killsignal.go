package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// FileKillSignal reports triggered while a sentinel file exists.
type FileKillSignal struct {
	Path string
}

// Triggered implements domain.KillSignal.
func (f FileKillSignal) Triggered(context.Context) (bool, error) {
	if f.Path == "" {
		return false, nil
	}
	_, err := os.Stat(f.Path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("engine: stat kill file: %w", err)
	}
}

// AnyKillSignal is triggered when any of its members is.
type AnyKillSignal []domain.KillSignal

// Triggered implements domain.KillSignal. A failing member does not mask a
// triggered one.
func (a AnyKillSignal) Triggered(ctx context.Context) (bool, error) {
	var errs []error
	for _, k := range a {
		ok, err := k.Triggered(ctx)
		if ok {
			return true, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return false, errors.Join(errs...)
}
