package ndecrypt

import (
	"fmt"
	"io"
)

// layer is one keystream applied over a step.
type layer struct {
	key     NormalKey
	counter Counter
	offset  int64 // offset of the step within the keystream of its section
}

// step rewrites one region of a partition with one or more keystreams.
type step struct {
	kind   SectionKind
	name   string
	region Region
	layers []layer
}

// partitionPlan is everything needed to transform a partition, computed before any byte
// is written.
type partitionPlan struct {
	skip  bool
	steps []step
	flags Flags // flags to commit once every step is done
}

// planPartition resolves the keys of a partition and lists the regions to rewrite.
func planPartition(input io.ReaderAt, p *Partition, backup *Flags, resolver *KeyResolver, op Operation, force bool) (*partitionPlan, error) {
	h := p.Header
	current := h.Flags
	plan := &partitionPlan{}

	var keys, readKeys *PartitionKeys
	var err error

	switch op {
	case Decrypt:
		// nothing to remove from a plaintext partition, even when forced
		if current.NoCrypto() {
			plan.skip = true
			return plan, nil
		}
		plan.flags = current.decrypted()
		keys, err = resolver.Resolve(h, current)
		if err != nil {
			return nil, err
		}
		readKeys = keys

	case Encrypt:
		if !current.NoCrypto() && !force {
			plan.skip = true
			return plan, nil
		}
		var from Flags
		if backup != nil {
			if p.Index == PartitionExecutable {
				from = *backup
			} else {
				// other partitions use the original method, and a fixed key if the
				// executable does; seeds belong to the executable title only
				from[7] = backup[7] & FlagFixedKey
			}
		}
		plan.flags = current.encrypted(from)
		keys, err = resolver.Resolve(h, plan.flags)
		if err != nil {
			return nil, err
		}
		if !current.NoCrypto() {
			readKeys, err = resolver.Resolve(h, current)
			if err != nil {
				return nil, err
			}
		}

	default:
		return nil, fmt.Errorf("unknown operation %d", op)
	}

	if r := h.ExHeader(); r.Size > 0 {
		plan.steps = append(plan.steps, step{
			kind:   SectionExHeader,
			name:   "ExHeader",
			region: r,
			layers: []layer{{keys.Base, SectionCounter(h, SectionExHeader, r.Offset), 0}},
		})
	}

	if h.ExeFS.Size > 0 {
		counter := SectionCounter(h, SectionExeFS, h.ExeFS.Offset)

		header, err := readFullAt(input, p.Offset+h.ExeFS.Offset, exefsHeaderSize)
		if err != nil {
			return nil, fmt.Errorf("exefs: failed to read header: %w", err)
		}
		if readKeys != nil {
			TransformSection(header, readKeys.Base, counter, 0)
		}
		files, err := ParseExeFSHeader(header)
		if err != nil {
			return nil, err
		}

		// the code is encrypted with the content key instead of the base key
		for _, file := range files {
			if file.Name != exefsCodeName || file.Size == 0 || keys.Content == keys.Base {
				continue
			}
			r := file.region()
			if r.end() > h.ExeFS.Size {
				return nil, fmt.Errorf("exefs: %s [%#x, %#x) is out of ExeFS bounds [0, %#x): %w",
					file.Name, r.Offset, r.end(), h.ExeFS.Size, ErrFormat)
			}
			plan.steps = append(plan.steps, step{
				kind:   SectionExeFS,
				name:   file.Name,
				region: Region{Offset: h.ExeFS.Offset + r.Offset, Size: r.Size},
				layers: []layer{
					{keys.Base, counter, r.Offset},
					{keys.Content, counter, r.Offset},
				},
			})
		}

		plan.steps = append(plan.steps, step{
			kind:   SectionExeFS,
			name:   "ExeFS",
			region: h.ExeFS,
			layers: []layer{{keys.Base, counter, 0}},
		})
	}

	if h.RomFS.Size > 0 {
		plan.steps = append(plan.steps, step{
			kind:   SectionRomFS,
			name:   "RomFS",
			region: h.RomFS,
			layers: []layer{{keys.Content, SectionCounter(h, SectionRomFS, h.RomFS.Offset), 0}},
		})
	}

	return plan, nil
}
