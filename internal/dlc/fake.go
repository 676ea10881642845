// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dlc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Fake is a local filesystem stand-in for the platform DLC service. A
// package is "installed" by the package id directory existing under
// stagingRoot; Install watches stagingRoot with fsnotify and resolves as
// soon as the directory shows up, instead of polling. This models the
// real service's asynchronous completion without needing any actual
// download.
//
// Packages already present when Install is called resolve immediately
// without waiting on an fsnotify event at all.
type Fake struct {
	stagingRoot string
}

// NewFake creates a Fake rooted at stagingRoot, which must exist.
func NewFake(stagingRoot string) *Fake {
	return &Fake{stagingRoot: stagingRoot}
}

// Stage makes packageID immediately available, as if installation had
// already completed. Tests use this to pre-populate packages the
// daemon expects to find on startup.
func (f *Fake) Stage(packageID string) (string, error) {
	root := filepath.Join(f.stagingRoot, packageID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("stage %s: %w", packageID, err)
	}
	return root, nil
}

func (f *Fake) packageRoot(packageID string) string {
	return filepath.Join(f.stagingRoot, packageID)
}

// Install waits for packageID's directory to appear under stagingRoot.
func (f *Fake) Install(ctx context.Context, packageID string) (string, error) {
	root := f.packageRoot(packageID)
	if _, err := os.Stat(root); err == nil {
		return root, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(f.stagingRoot); err != nil {
		return "", fmt.Errorf("watch %s: %w", f.stagingRoot, err)
	}

	// A directory created between the Stat above and Add could be missed
	// by the watcher; check once more now that we're subscribed.
	if _, err := os.Stat(root); err == nil {
		return root, nil
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return "", fmt.Errorf("install %s: watcher closed", packageID)
			}
			if ev.Op&(fsnotify.Create) == 0 {
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(root) {
				return root, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return "", fmt.Errorf("install %s: watcher closed", packageID)
			}
			return "", fmt.Errorf("watch %s: %w", f.stagingRoot, err)
		case <-ctx.Done():
			return "", fmt.Errorf("install %s: %w", packageID, ctx.Err())
		}
	}
}
