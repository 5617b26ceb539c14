package storage

import "sync"

// piece tracks the write/verify lifecycle and per-block receipt state of a
// single piece, at block-level granularity, since peers request and
// deliver 16 KiB blocks rather than entire pieces.
type piece struct {
	mu       sync.Mutex
	state    PieceState
	priority Priority
	length   int64
	blockLen int64
	received []bool // one entry per block, true once its bytes have landed
	numRecv  int
}

const defaultBlockLength = 16 * 1024

func newPiece(length int64, priority Priority) *piece {
	blockLen := int64(defaultBlockLength)
	if blockLen > length {
		blockLen = length
	}
	numBlocks := int((length + blockLen - 1) / blockLen)
	return &piece{
		state:    PieceMissing,
		priority: priority,
		length:   length,
		blockLen: blockLen,
		received: make([]bool, numBlocks),
	}
}

func (p *piece) blockIndex(begin int64) int {
	return int(begin / p.blockLen)
}

// markBlockReceived records a block write and reports whether every block
// of the piece has now been received (PieceComplete, pending hash verify).
func (p *piece) markBlockReceived(begin int64) (allReceived bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.blockIndex(begin)
	if i < 0 || i >= len(p.received) {
		return false
	}
	if !p.received[i] {
		p.received[i] = true
		p.numRecv++
	}
	if p.numRecv == len(p.received) {
		p.state = PieceComplete
		return true
	}
	p.state = PiecePartial
	return false
}

func (p *piece) markVerified() {
	p.mu.Lock()
	p.state = PieceVerified
	p.mu.Unlock()
}

// resetAfterHashFailure clears block receipt state so the piece can be
// re-requested from scratch after a failed hash check.
func (p *piece) resetAfterHashFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PieceMissing
	p.numRecv = 0
	for i := range p.received {
		p.received[i] = false
	}
}

func (p *piece) getState() PieceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *piece) getPriority() Priority {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.priority
}

func (p *piece) setPriority(pr Priority) {
	p.mu.Lock()
	p.priority = pr
	p.mu.Unlock()
}
