package chat

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/halyard-im/halyard-go/transport"
)

// contributor is the uniform contract a room feature presents to the
// lifecycle coordinator: one channel, its error codes, and a sink for
// discontinuity notifications. The coordinator never looks past this shape,
// so adding a feature means implementing only this.
type contributor interface {
	featureName() string
	channelName() string
	channel() transport.Channel
	attachmentErrorCode() ErrorCode
	detachmentErrorCode() ErrorCode
	discontinuityDetected(reason error)
}

// feature is the common half of every contributor: channel plumbing plus
// discontinuity fan-out to application subscribers.
type feature struct {
	name       string
	chName     string
	ch         transport.Channel
	attachCode ErrorCode
	detachCode ErrorCode
	log        zerolog.Logger

	mu        sync.Mutex
	nextID    int
	discoSubs map[int]func(error)
}

func newFeature(name, chName string, ch transport.Channel, attachCode, detachCode ErrorCode, log zerolog.Logger) feature {
	return feature{
		name:       name,
		chName:     chName,
		ch:         ch,
		attachCode: attachCode,
		detachCode: detachCode,
		log:        log,
		discoSubs:  make(map[int]func(error)),
	}
}

func (f *feature) featureName() string            { return f.name }
func (f *feature) channelName() string            { return f.chName }
func (f *feature) channel() transport.Channel     { return f.ch }
func (f *feature) attachmentErrorCode() ErrorCode { return f.attachCode }
func (f *feature) detachmentErrorCode() ErrorCode { return f.detachCode }

func (f *feature) discontinuityDetected(reason error) {
	f.log.Warn().Str("module", "chat").Str("feature", f.name).Err(reason).Msg("discontinuity detected")
	f.mu.Lock()
	subs := make([]func(error), 0, len(f.discoSubs))
	for _, fn := range f.discoSubs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(reason)
	}
}

// OnDiscontinuity notifies fn whenever this feature's channel reattached
// without resuming its stream; the application should re-sync. Returns the
// listener's disposer.
func (f *feature) OnDiscontinuity(fn func(error)) (off func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.discoSubs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.discoSubs, id)
	}
}
