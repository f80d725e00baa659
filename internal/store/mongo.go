package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/seantiz/vidscope/internal/model"
)

const (
	collectionJobs = "jobs"
	opTimeout      = 5 * time.Second
)

// Compile-time interface satisfaction check.
var _ Store = (*MongoStore)(nil)

// MongoStore implements Store on a MongoDB collection. Conditional updates
// filter on the expected status so concurrent writers cannot skip the
// lifecycle rules.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// jobDocument is the BSON shape of a job.
type jobDocument struct {
	ID                  string              `bson:"_id"`
	Status              string              `bson:"status"`
	Progress            int                 `bson:"progress"`
	VariantCount        int                 `bson:"variant_count"`
	Prompt              string              `bson:"prompt"`
	ConfidenceThreshold float64             `bson:"confidence_threshold"`
	Artifacts           []model.ArtifactRef `bson:"artifacts,omitempty"`
	Results             []model.Variant     `bson:"results,omitempty"`
	Error               string              `bson:"error,omitempty"`
	CreatedAt           time.Time           `bson:"created_at"`
	StartedAt           *time.Time          `bson:"started_at,omitempty"`
	FinishedAt          *time.Time          `bson:"finished_at,omitempty"`
}

func toDocument(j *model.Job) jobDocument {
	return jobDocument{
		ID:                  j.ID,
		Status:              j.Status,
		Progress:            j.Progress,
		VariantCount:        j.Params.VariantCount,
		Prompt:              j.Params.Prompt,
		ConfidenceThreshold: j.Params.ConfidenceThreshold,
		Artifacts:           j.Artifacts,
		Results:             j.Results,
		Error:               j.Error,
		CreatedAt:           j.CreatedAt,
		StartedAt:           j.StartedAt,
		FinishedAt:          j.FinishedAt,
	}
}

func (d jobDocument) toJob() *model.Job {
	return &model.Job{
		ID:       d.ID,
		Status:   d.Status,
		Progress: d.Progress,
		Params: model.Params{
			VariantCount:        d.VariantCount,
			Prompt:              d.Prompt,
			ConfidenceThreshold: d.ConfidenceThreshold,
		},
		Artifacts:  d.Artifacts,
		Results:    d.Results,
		Error:      d.Error,
		CreatedAt:  d.CreatedAt,
		StartedAt:  d.StartedAt,
		FinishedAt: d.FinishedAt,
	}
}

// NewMongoStore connects to MongoDB and ensures the jobs collection indexes.
func NewMongoStore(ctx context.Context, uri, database string, timeout time.Duration) (*MongoStore, error) {
	slog.Info("connecting to MongoDB", "database", database)

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	coll := client.Database(database).Collection(collectionJobs)
	_, err = coll.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "created_at", Value: -1}},
		Options: options.Index().SetName("idx_created_at"),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &MongoStore{client: client, collection: coll}, nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

// CreateJob inserts a new job document.
func (s *MongoStore) CreateJob(ctx context.Context, j *model.Job) error {
	if err := checkCreate(j); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.collection.InsertOne(ctx, toDocument(j)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *MongoStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc jobDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return doc.toJob(), nil
}

// ListJobs returns a page of jobs ordered by created_at DESC plus the total count.
func (s *MongoStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*opTimeout)
	defer cancel()

	total, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	opts := options.Find().
		SetSkip(int64(offset)).
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []jobDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, 0, fmt.Errorf("decode jobs: %w", err)
	}
	jobs := make([]*model.Job, len(docs))
	for i, d := range docs {
		jobs[i] = d.toJob()
	}
	return jobs, int(total), nil
}

// MarkRunning transitions a pending job to running and records started_at.
func (s *MongoStore) MarkRunning(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": model.StatusPending},
		bson.M{"$set": bson.M{"status": model.StatusRunning, "started_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// UpdateProgress records a new progress value for a non-terminal job.
func (s *MongoStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	if err := checkProgressRange(progress); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.collection.UpdateOne(ctx,
		bson.M{
			"_id":      id,
			"status":   bson.M{"$in": []string{model.StatusPending, model.StatusRunning}},
			"progress": bson.M{"$lt": progress},
		},
		bson.M{"$set": bson.M{"progress": progress}},
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	// Nothing matched: the job is gone, terminal, or already further along.
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	_, err = checkProgress(j, progress)
	return err
}

// SetTerminal writes the job's final outcome.
func (s *MongoStore) SetTerminal(ctx context.Context, id string, o Outcome) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := checkOutcome(j, o); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	set := bson.M{"status": o.Status, "finished_at": time.Now().UTC()}
	if o.Status == model.StatusCompleted {
		set["progress"] = model.ProgressMax
		set["results"] = o.Results
	} else {
		set["error"] = o.Error
	}

	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": id, "status": j.Status}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("set terminal: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// DeleteJob removes a job. Deleting an absent job is not an error.
func (s *MongoStore) DeleteJob(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// GetJobStats returns aggregate statistics over all jobs.
func (s *MongoStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*opTimeout)
	defer cancel()

	stats := &JobStats{CountByStatus: make(map[string]int)}

	cursor, err := s.collection.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	var counts []struct {
		Status string `bson:"_id"`
		Count  int    `bson:"count"`
	}
	if err := cursor.All(ctx, &counts); err != nil {
		return nil, fmt.Errorf("decode status counts: %w", err)
	}
	for _, c := range counts {
		stats.CountByStatus[c.Status] = c.Count
		stats.Total += c.Count
	}

	// Subtracting two dates yields milliseconds.
	cursor, err = s.collection.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "started_at", Value: bson.D{{Key: "$ne", Value: nil}}},
			{Key: "finished_at", Value: bson.D{{Key: "$ne", Value: nil}}},
		}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "avg", Value: bson.D{{Key: "$avg", Value: bson.D{
				{Key: "$subtract", Value: bson.A{"$finished_at", "$started_at"}},
			}}}},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	var avg []struct {
		Avg float64 `bson:"avg"`
	}
	if err := cursor.All(ctx, &avg); err != nil {
		return nil, fmt.Errorf("decode average duration: %w", err)
	}
	if len(avg) == 1 {
		stats.AvgDurationMS = avg[0].Avg
	}

	return stats, nil
}
