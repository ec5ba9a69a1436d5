// Package wire defines the broker's client protocol. Messages are MessagePack
// values written back to back on the socket; the encoding is self-delimiting,
// so no length prefix or framing layer is needed.
//
// A client opens the socket and sends a Hello. Each Hello is a request for
// one job: the broker answers with a Job message when one is available, and
// the client sends a fresh Hello before every subsequent job. The broker
// never sends two jobs without a Hello in between.
package wire

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ZenMilan/inst-jobs/internal/store"
)

// WorkerConfig describes what jobs a worker wants. It is the broker's
// grouping key: workers with identical configs share a fetch.
type WorkerConfig struct {
	Queue       string `msgpack:"queue"`
	MinPriority int    `msgpack:"min_priority"`
	MaxPriority int    `msgpack:"max_priority"`
	// PoolSize is how many jobs the worker can run at once. Scales the
	// broker's prefetch for this config group.
	PoolSize int `msgpack:"pool_size"`
}

// Hello is the handshake message, sent once per requested job. Encoded as a
// two-element array [name, config] to keep the common message small.
type Hello struct {
	_msgpack struct{} `msgpack:",as_array"`

	Name   string
	Config WorkerConfig
}

// ReadHello decodes the next handshake from the stream.
func ReadHello(dec *msgpack.Decoder) (Hello, error) {
	var h Hello
	if err := dec.Decode(&h); err != nil {
		return Hello{}, err
	}
	if h.Name == "" {
		return Hello{}, fmt.Errorf("wire: handshake with empty worker name")
	}
	return h, nil
}

// WriteHello encodes a handshake onto the stream.
func WriteHello(w io.Writer, h Hello) error {
	raw, err := msgpack.Marshal(&h)
	if err != nil {
		return fmt.Errorf("wire: marshal hello: %w", err)
	}
	_, err = w.Write(raw)
	return err
}

// WriteJob encodes a job onto the stream.
func WriteJob(w io.Writer, job *store.Job) error {
	raw, err := msgpack.Marshal(job)
	if err != nil {
		return fmt.Errorf("wire: marshal job: %w", err)
	}
	_, err = w.Write(raw)
	return err
}

// ReadJob decodes the next job from the stream.
func ReadJob(dec *msgpack.Decoder) (*store.Job, error) {
	var job store.Job
	if err := dec.Decode(&job); err != nil {
		return nil, err
	}
	return &job, nil
}
