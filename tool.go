package ndecrypt

import (
	"context"
	"crypto/cipher"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/spf13/afero"
)

// chunkSize is the amount of data rewritten at once.
const chunkSize = 1 << 20

// Operation requested on a file.
type Operation int

const (
	Decrypt Operation = iota
	Encrypt
)

func (o Operation) String() string {
	switch o {
	case Decrypt:
		return "decrypt"
	case Encrypt:
		return "encrypt"
	default:
		return fmt.Sprintf("Operation(%d)", int(o))
	}
}

// PartitionState is the progress of a partition through an operation.
type PartitionState int

const (
	StateUnknown PartitionState = iota
	StateParsed
	StateAlreadyTarget
	StateTransforming
	StateTransformed
	StateFailed
)

func (s PartitionState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateParsed:
		return "parsed"
	case StateAlreadyTarget:
		return "already in target state"
	case StateTransforming:
		return "transforming"
	case StateTransformed:
		return "transformed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("PartitionState(%d)", int(s))
	}
}

// PartitionReport is the outcome of an operation on a partition.
type PartitionReport struct {
	Index       int
	PartitionID Hex64
	State       PartitionState
	Err         error
}

// Report is the outcome of an operation on a file.
type Report struct {
	Path       string
	Operation  Operation
	Partitions []PartitionReport
}

// Success reports whether every partition has been transformed or was already in the
// target state.
func (r *Report) Success() bool {
	if r == nil {
		return false
	}
	for _, p := range r.Partitions {
		if p.State != StateTransformed && p.State != StateAlreadyTarget {
			return false
		}
	}
	return true
}

// Skipped reports whether the whole file was already in the target state.
func (r *Report) Skipped() bool {
	if r == nil {
		return false
	}
	for _, p := range r.Partitions {
		if p.State != StateAlreadyTarget {
			return false
		}
	}
	return true
}

// Config is shared by all tools. It is only read, so a single Config can serve concurrent
// operations on different files.
type Config struct {
	Fs          afero.Fs
	Keys        *KeyMaterial
	Seeds       SeedSource
	Development bool
	Log         log.Interface
}

func (c Config) withDefaults() Config {
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	if c.Log == nil {
		c.Log = log.Log
	}
	return c
}

// ThreeDSTool encrypts and decrypts CCI images in place.
type ThreeDSTool struct {
	config   Config
	resolver *KeyResolver
}

// NewThreeDSTool returns a tool for CCI images.
func NewThreeDSTool(config Config) *ThreeDSTool {
	config = config.withDefaults()
	return &ThreeDSTool{
		config: config,
		resolver: &KeyResolver{
			Keys:        config.Keys,
			Seeds:       config.Seeds,
			Development: config.Development,
		},
	}
}

// ProcessFile applies op to every partition of the image at path.
//
// Partitions are processed in table order. Each partition is planned, then rewritten,
// then its flags are committed and synced before the next partition starts, so that an
// interrupted run leaves a file that can be completed by running the same operation again.
// A partition failure does not stop the others: it is recorded in the report. The
// returned error is only set for failures affecting the whole file. The context is checked
// between partitions.
//
// With force, partitions that already look encrypted are encrypted again.
func (t *ThreeDSTool) ProcessFile(ctx context.Context, path string, op Operation, force bool) (*Report, error) {
	if !t.config.Keys.Ready() {
		return nil, fmt.Errorf("3ds: %w", ErrKeyMaterialUnready)
	}

	file, err := t.config.Fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("3ds: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("3ds: %w", err)
	}

	ncsd, err := ParseNCSD(file, info.Size())
	if err != nil {
		return nil, err
	}

	report := &Report{Path: path, Operation: op}
	ncsd.Each(func(p *Partition) bool {
		report.Partitions = append(report.Partitions, PartitionReport{
			Index:       p.Index,
			PartitionID: p.Header.PartitionID,
			State:       StateParsed,
		})
		return true
	})

	logger := t.config.Log.WithFields(log.Fields{"file": path, "operation": op})

	for i := range report.Partitions {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result := &report.Partitions[i]
		t.processPartition(file, ncsd, ncsd.Partitions[result.Index], op, force, result, logger)
	}

	return report, nil
}

func (t *ThreeDSTool) processPartition(file afero.File, ncsd *NCSD, p *Partition, op Operation, force bool, result *PartitionReport, logger log.Interface) {
	logger = logger.WithFields(log.Fields{"partition": p.Index, "name": p.Name()})

	fail := func(err error) {
		result.State = StateFailed
		result.Err = err
		logger.WithError(err).Error("partition failed")
	}

	plan, err := planPartition(file, p, ncsd.BackupFlags, t.resolver, op, force)
	if err != nil {
		fail(err)
		return
	}
	if plan.skip {
		result.State = StateAlreadyTarget
		logger.Info("partition already in target state, skipping")
		return
	}

	result.State = StateTransforming
	for _, s := range plan.steps {
		logger.WithFields(log.Fields{"section": s.name, "size": s.region.Size}).Debug("rewriting section")
		if err := transformStep(file, p.Offset, s); err != nil {
			fail(fmt.Errorf("%s: %w", s.name, err))
			return
		}
	}

	// the payload must be on disk before the flags claim it is transformed
	if err := file.Sync(); err != nil {
		fail(fmt.Errorf("failed to sync sections: %w", err))
		return
	}
	if _, err := file.WriteAt(plan.flags[:], p.Offset+ncchFlagsOffset); err != nil {
		fail(fmt.Errorf("ncch: failed to write flags: %w", err))
		return
	}
	if err := file.Sync(); err != nil {
		fail(fmt.Errorf("ncch: failed to sync flags: %w", err))
		return
	}

	result.State = StateTransformed
	logger.WithField("method", plan.flags.CryptoMethod()).Info("partition transformed")
}

func transformStep(file afero.File, base int64, s step) error {
	streams := make([]cipher.Stream, len(s.layers))
	for i, l := range s.layers {
		streams[i] = NewSectionStream(l.key, l.counter, l.offset)
	}

	start := base + s.region.Offset
	buf := make([]byte, chunkSize)

	for done := int64(0); done < s.region.Size; {
		n := s.region.Size - done
		if n > chunkSize {
			n = chunkSize
		}
		chunk := buf[:n]

		if err := readAtFull(file, chunk, start+done); err != nil {
			return fmt.Errorf("failed to read at %#x: %w", start+done, err)
		}
		for _, stream := range streams {
			stream.XORKeyStream(chunk, chunk)
		}
		if _, err := file.WriteAt(chunk, start+done); err != nil {
			return fmt.Errorf("failed to write at %#x: %w", start+done, err)
		}

		done += n
	}

	return nil
}
