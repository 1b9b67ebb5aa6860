package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"forgescan/tool-runner/internal/model"
	"forgescan/tool-runner/internal/redisclient"
)

func testJob() *model.Job {
	return &model.Job{
		RunID:    uuid.NewString(),
		ToolName: "nmap",
		Target:   "10.0.0.5",
		Params:   map[string]any{"ports": "22,80"},
	}
}

// TestMemoryAckAndRecover ensures unacknowledged deliveries come back after Recover.
func TestMemoryAckAndRecover(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	a, b := testJob(), testJob()
	if err := q.Enqueue(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, b); err != nil {
		t.Fatal(err)
	}

	d1, err := q.Dequeue(ctx)
	if err != nil || d1.Job == nil || d1.Job.RunID != a.RunID {
		t.Fatalf("expected first job, got %+v %v", d1, err)
	}
	d2, _ := q.Dequeue(ctx)
	if err := q.Ack(ctx, d1); err != nil {
		t.Fatal(err)
	}
	if q.InFlight() != 1 {
		t.Fatalf("expected one in-flight delivery, got %d", q.InFlight())
	}

	n, err := q.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one recovered delivery, got %d %v", n, err)
	}
	c := testJob()
	if err := q.Enqueue(ctx, c); err != nil {
		t.Fatal(err)
	}
	if n, err := q.Recover(ctx); err != nil || n != 0 {
		t.Fatalf("nothing in flight, got %d %v", n, err)
	}
	d3, _ := q.Dequeue(ctx)
	if d3.Job.RunID != d2.Job.RunID {
		t.Fatalf("expected redelivery of %s ahead of new work, got %s", d2.Job.RunID, d3.Job.RunID)
	}
}

// TestMemoryDequeueBlocks ensures Dequeue waits for work and honours ctx.
func TestMemoryDequeueBlocks(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	done := make(chan *Delivery, 1)
	go func() {
		d, _ := q.Dequeue(context.Background())
		done <- d
	}()
	time.Sleep(10 * time.Millisecond)
	q.Enqueue(context.Background(), testJob())
	select {
	case d := <-done:
		if d == nil || d.Job == nil {
			t.Fatalf("expected a delivery")
		}
	case <-time.After(time.Second):
		t.Fatalf("dequeue did not wake up")
	}
}

// TestMemoryMalformed ensures bad payloads are delivered with a decode error.
func TestMemoryMalformed(t *testing.T) {
	q := NewMemory()
	q.Push([]byte(`{"runId":"abc","timeout":"soon"}`))
	d, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if d.Job != nil || d.DecodeErr == nil {
		t.Fatalf("expected decode failure, got %+v", d)
	}
	if ExtractRunID(d.Raw) != "abc" {
		t.Fatalf("expected runId to be salvaged")
	}
	if ExtractRunID([]byte("not json")) != "" {
		t.Fatalf("expected no runId from garbage")
	}
}

// TestMemoryClose ensures a closed queue refuses work and wakes waiters.
func TestMemoryClose(t *testing.T) {
	q := NewMemory()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	if err := <-errCh; err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := q.Enqueue(context.Background(), testJob()); err != ErrClosed {
		t.Fatalf("expected ErrClosed on enqueue, got %v", err)
	}
}

// TestRedisQueue requires TOOLRUNNER_TEST_REDIS_URL.
func TestRedisQueue(t *testing.T) {
	ctx := context.Background()
	client := redisTestClient(t)

	q := NewRedis(client, RedisConfig{Key: "toolrunner:test:" + uuid.NewString(), WorkerID: "t1"})
	job := testJob()
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d, err := q.Dequeue(ctx)
	if err != nil || d.Job.RunID != job.RunID {
		t.Fatalf("dequeue: %+v %v", d, err)
	}
	if n, _ := q.Depth(ctx); n != 0 {
		t.Fatalf("expected empty pending list, got %d", n)
	}

	n, err := q.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one recovered job, got %d %v", n, err)
	}
	d, err = q.Dequeue(ctx)
	if err != nil || d.Job.RunID != job.RunID {
		t.Fatalf("redelivery: %+v %v", d, err)
	}
	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, _ := q.Recover(ctx); n != 0 {
		t.Fatalf("acked job must not be recovered, got %d", n)
	}
}

func redisTestClient(t *testing.T) *redisclient.Client {
	t.Helper()
	url := os.Getenv("TOOLRUNNER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TOOLRUNNER_TEST_REDIS_URL not set")
	}
	client := redisclient.New(url, os.Getenv("TOOLRUNNER_TEST_REDIS_PASSWORD"), 0)
	if err := client.Init(context.Background()); err != nil {
		t.Fatalf("unable to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// TestRedisOrphanedWorkReclaimed ensures a job taken by a worker that died is
// redelivered to a worker with a different id once the dead worker's lease
// expires, and not before.
func TestRedisOrphanedWorkReclaimed(t *testing.T) {
	ctx := context.Background()
	client := redisTestClient(t)
	key := "toolrunner:test:" + uuid.NewString()
	lease := 500 * time.Millisecond
	podA := NewRedis(client, RedisConfig{Key: key, WorkerID: "pod-a", LeaseTTL: lease})
	podB := NewRedis(client, RedisConfig{Key: key, WorkerID: "pod-b", LeaseTTL: lease})

	if _, err := podA.Recover(ctx); err != nil {
		t.Fatalf("pod-a recover: %v", err)
	}
	job, other := testJob(), testJob()
	if err := podA.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := podA.Dequeue(ctx); err != nil {
		t.Fatalf("pod-a dequeue: %v", err)
	}
	if err := podA.Enqueue(ctx, other); err != nil {
		t.Fatal(err)
	}

	if n, err := podB.Recover(ctx); err != nil || n != 0 {
		t.Fatalf("live lease must be respected, got %d %v", n, err)
	}

	time.Sleep(2 * lease)
	n, err := podB.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one reclaimed job, got %d %v", n, err)
	}
	d, err := podB.Dequeue(ctx)
	if err != nil || d.Job.RunID != job.RunID {
		t.Fatalf("reclaimed job should run next, got %+v %v", d, err)
	}
	if err := podB.Ack(ctx, d); err != nil {
		t.Fatal(err)
	}
	if n, _ := podB.Sweep(ctx); n != 0 {
		t.Fatalf("nothing left to reclaim, got %d", n)
	}
}
