package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"api-mapping-assistant/knowledge"
)

// This is our interface, allowing us to enable proper testing
type BackgroundProcessor interface {
	syncKnowledgeBase(ctx context.Context) (int, error)
}

// StartBackgroundTasks keeps the knowledge base in sync in a goroutine until ctx is done
func StartBackgroundTasks(ctx context.Context, app BackgroundProcessor, pollingInterval time.Duration) {
	go func() {
		minBackoffDuration := 10 * time.Second
		maxBackoffDuration := time.Hour

		backoffDuration := minBackoffDuration

		for {
			wait := pollingInterval

			syncedCount, err := app.syncKnowledgeBase(ctx)
			if err != nil {
				log.Errorf("Error in knowledge base sync: %v", err)
				wait = backoffDuration

				// Exponential backoff logic
				backoffDuration *= 2
				if backoffDuration > maxBackoffDuration {
					log.Warnf("Max backoff duration reached. Using %v", maxBackoffDuration)
					backoffDuration = maxBackoffDuration
				}
			} else {
				// Reset backoff when syncing succeeds
				backoffDuration = minBackoffDuration
				if syncedCount > 0 {
					log.Infof("Knowledge base sync picked up %d changed file(s)", syncedCount)
				}
			}

			select {
			case <-ctx.Done():
				log.Infoln("Background tasks shutting down")
				return
			case <-time.After(wait):
			}
		}
	}()
}

// syncKnowledgeBase re-indexes the knowledge base folder when its fingerprints changed and pushes
// new or modified files to the backend. It returns the number of changed or removed files.
func (app *App) syncKnowledgeBase(ctx context.Context) (int, error) {
	if !app.isInitialized() {
		log.Debug("Assistant not initialized yet, skipping knowledge base sync")
		return 0, nil
	}

	paths, err := knowledge.ListFiles(app.knowledgeBaseDir)
	if errors.Is(err, knowledge.ErrKnowledgeBaseMissing) {
		log.Debugf("Knowledge base folder %s not found, skipping sync", app.knowledgeBaseDir)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	current, err := knowledge.Fingerprints(paths)
	if err != nil {
		return 0, err
	}

	app.kbMu.Lock()
	previous := app.kbFingerprints
	app.kbMu.Unlock()

	changed, removed := diffFingerprints(previous, current)
	if len(changed) == 0 && len(removed) == 0 {
		return 0, nil
	}
	log.Debugf("Knowledge base changed: %d new or modified, %d removed", len(changed), len(removed))

	if _, err := app.Index.SyncKnowledgeBase(ctx, app.knowledgeBaseDir); err != nil {
		return 0, fmt.Errorf("error re-indexing knowledge base: %w", err)
	}

	if len(changed) > 0 {
		files, err := knowledge.ReadFiles(changed, knowledge.OriginKnowledgeBase)
		if err != nil {
			return 0, err
		}
		if err := app.Backend.AddFiles(ctx, files); err != nil {
			return 0, fmt.Errorf("error pushing knowledge base changes to the assistant: %w", err)
		}
	}

	app.kbMu.Lock()
	app.kbFingerprints = current
	app.kbMu.Unlock()

	return len(changed) + len(removed), nil
}

// diffFingerprints returns the sorted paths that are new or modified in current and those missing from it
func diffFingerprints(previous, current map[string]string) (changed, removed []string) {
	for path, fp := range current {
		if previous[path] != fp {
			changed = append(changed, path)
		}
	}
	for path := range previous {
		if _, ok := current[path]; !ok {
			removed = append(removed, path)
		}
	}
	sort.Strings(changed)
	sort.Strings(removed)
	return changed, removed
}
