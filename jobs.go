package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"api-mapping-assistant/knowledge"

	"github.com/google/uuid"
)

const (
	JobPending    = "pending"
	JobInProgress = "in_progress"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job represents an upload ingestion job
type Job struct {
	ID        string           `json:"id"`
	SessionID string           `json:"-"`
	Files     []string         `json:"files"`
	Status    string           `json:"status"` // "pending", "in_progress", "completed", "failed"
	Result    string           `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	FilesDone int              `json:"files_done"`
	uploads   []knowledge.File // Released once the job has been processed
}

// JobStore manages jobs and their statuses
type JobStore struct {
	sync.RWMutex
	jobs map[string]*Job
}

// NewJobStore creates an empty job store
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*Job)}
}

func generateJobID() string {
	return uuid.New().String()
}

// newUploadJob creates a pending job for the files uploaded by a session
func newUploadJob(sessionID string, uploads []knowledge.File) *Job {
	names := make([]string, len(uploads))
	for i, f := range uploads {
		names[i] = f.Name
	}
	now := time.Now()
	return &Job{
		ID:        generateJobID(),
		SessionID: sessionID,
		Files:     names,
		Status:    JobPending,
		CreatedAt: now,
		UpdatedAt: now,
		uploads:   uploads,
	}
}

func (store *JobStore) addJob(job *Job) {
	store.Lock()
	defer store.Unlock()
	job.FilesDone = 0
	store.jobs[job.ID] = job
	log.Infof("Job added: %s (%d files)", job.ID, len(job.Files))
}

// getJob returns a snapshot of the job
func (store *JobStore) getJob(jobID string) (Job, bool) {
	store.RLock()
	defer store.RUnlock()
	job, exists := store.jobs[jobID]
	if !exists {
		return Job{}, false
	}
	return job.snapshot(), true
}

// GetAllJobs returns snapshots of all jobs, newest first
func (store *JobStore) GetAllJobs() []Job {
	store.RLock()
	defer store.RUnlock()

	jobs := make([]Job, 0, len(store.jobs))
	for _, job := range store.jobs {
		jobs = append(jobs, job.snapshot())
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	return jobs
}

func (store *JobStore) updateJobStatus(jobID, status, result string) {
	store.Lock()
	defer store.Unlock()
	if job, exists := store.jobs[jobID]; exists {
		job.Status = status
		switch status {
		case JobFailed:
			job.Error = result
		default:
			if result != "" {
				job.Result = result
			}
		}
		if status == JobCompleted || status == JobFailed {
			job.uploads = nil
		}
		job.UpdatedAt = time.Now()
		log.Infof("Job %s status updated: %s", job.ID, status)
	}
}

func (store *JobStore) updateFilesDone(jobID string, filesDone int) {
	store.Lock()
	defer store.Unlock()
	if job, exists := store.jobs[jobID]; exists {
		job.FilesDone = filesDone
		job.UpdatedAt = time.Now()
		log.Debugf("Job %s files done: %d/%d", job.ID, filesDone, len(job.Files))
	}
}

func (job *Job) snapshot() Job {
	c := *job
	c.Files = append([]string(nil), job.Files...)
	c.uploads = nil
	return c
}

// enqueueUpload registers an ingestion job and hands it to the worker pool
func (app *App) enqueueUpload(sessionID string, uploads []knowledge.File) (*Job, error) {
	job := newUploadJob(sessionID, uploads)
	app.jobs.addJob(job)

	select {
	case app.jobQueue <- job:
		return job, nil
	default:
		app.jobs.updateJobStatus(job.ID, JobFailed, "upload queue is full")
		return nil, errors.New("upload queue is full, try again later")
	}
}

// startWorkerPool starts numWorkers goroutines consuming the job queue until ctx is done
func (app *App) startWorkerPool(ctx context.Context, numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		go func(workerID int) {
			log.Infof("Worker %d started", workerID)
			for {
				select {
				case <-ctx.Done():
					log.Debugf("Worker %d stopped", workerID)
					return
				case job := <-app.jobQueue:
					log.Infof("Worker %d processing job: %s", workerID, job.ID)
					app.processJob(ctx, job)
				}
			}
		}(i)
	}
}

// processJob indexes every uploaded file locally, then hands the batch to the backend
func (app *App) processJob(ctx context.Context, job *Job) {
	app.jobs.updateJobStatus(job.ID, JobInProgress, "")

	var (
		errs    []error
		indexed []knowledge.File
	)
	for _, f := range job.uploads {
		if app.Index != nil {
			chunks, err := app.Index.AddFile(ctx, f)
			if err != nil {
				errs = append(errs, fmt.Errorf("error indexing %s: %w", f.Name, err))
				continue
			}
			log.Debugf("Indexed %s into %d chunks", f.Name, chunks)
		}
		indexed = append(indexed, f)
		app.jobs.updateFilesDone(job.ID, len(indexed))
	}

	if len(indexed) > 0 {
		if err := app.Backend.AddFiles(ctx, indexed); err != nil {
			errs = append(errs, fmt.Errorf("error adding files to the assistant: %w", err))
			// The backend rejected the batch, so the files must not serve mapping requests either
			app.dropUploads(ctx, indexed)
			indexed = nil
			app.jobs.updateFilesDone(job.ID, 0)
		}
	}

	if len(indexed) > 0 {
		app.sessions.AddUploaded(job.SessionID, len(indexed))
	}

	if err := errors.Join(errs...); err != nil {
		log.Errorf("Error processing upload job %s: %v", job.ID, err)
		app.jobs.updateJobStatus(job.ID, JobFailed, err.Error())
		return
	}

	names := make([]string, len(indexed))
	for i, f := range indexed {
		names[i] = f.Name
	}
	app.jobs.updateJobStatus(job.ID, JobCompleted, fmt.Sprintf("Processed %d file(s): %s", len(indexed), strings.Join(names, ", ")))
	log.Infof("Job completed: %s", job.ID)
}

// dropUploads removes the chunks of uploaded files from the local index
func (app *App) dropUploads(ctx context.Context, files []knowledge.File) {
	if app.Index == nil {
		return
	}
	for _, f := range files {
		if err := app.Index.RemoveSource(ctx, f.Name, knowledge.OriginUpload); err != nil {
			log.Warnf("Failed to remove %s from the local index: %v", f.Name, err)
		}
	}
}
