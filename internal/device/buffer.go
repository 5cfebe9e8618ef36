package device

// Buffer is an opaque device allocation. Exactly one logical tensor owns a
// Buffer at a time; only the Pool may mark it reusable, and only after the
// submission that last touched it has completed.
type Buffer struct {
	handle any
	size   uint64
	usage  BufferUsage
	dtype  DataType
	label  string

	pooled  bool
	lastSub *Submission
}

func (b *Buffer) Size() uint64       { return b.size }
func (b *Buffer) Usage() BufferUsage { return b.usage }
func (b *Buffer) DType() DataType    { return b.dtype }
func (b *Buffer) Label() string      { return b.label }

// Handle exposes the backend-specific allocation. Owned by the backend that
// created the buffer; callers other than that backend must not touch it.
func (b *Buffer) Handle() any { return b.handle }

// markUse records the submission that will read or write this buffer, so a
// later Release can defer re-pooling until that work has drained.
func (b *Buffer) markUse(sub *Submission) {
	if sub != nil {
		b.lastSub = sub
	}
}
