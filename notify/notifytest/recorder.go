// Package notifytest provides a recording Messenger for tests.
package notifytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/onnwee/live-herald/live"
	"github.com/onnwee/live-herald/notify"
)

// Sent is one recorded public notification.
type Sent struct {
	ChannelRef string
	MessageRef string
	Content    notify.Content
}

// Recorder records messenger calls. Error fields inject failures.
type Recorder struct {
	mu sync.Mutex

	Public  []Sent
	Deleted []live.MessageHandle
	Private map[string]notify.Content
	Tags    map[string]bool

	SendErr    error
	DeleteErrs []error // consumed in order, then nil
	PrivateErr map[string]error
	TagErr     error

	seq int
}

// New returns an empty recorder.
func New() *Recorder {
	return &Recorder{Private: make(map[string]notify.Content), Tags: make(map[string]bool), PrivateErr: make(map[string]error)}
}

func (r *Recorder) SendPublicNotification(_ context.Context, channelRef string, c notify.Content) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SendErr != nil {
		return "", r.SendErr
	}
	r.seq++
	ref := fmt.Sprintf("msg-%d", r.seq)
	r.Public = append(r.Public, Sent{ChannelRef: channelRef, MessageRef: ref, Content: c})
	return ref, nil
}

func (r *Recorder) DeleteMessage(_ context.Context, channelRef, messageRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.DeleteErrs) > 0 {
		err := r.DeleteErrs[0]
		r.DeleteErrs = r.DeleteErrs[1:]
		if err != nil {
			return err
		}
	}
	r.Deleted = append(r.Deleted, live.MessageHandle{ChannelRef: channelRef, MessageRef: messageRef})
	return nil
}

func (r *Recorder) SendPrivateNotification(_ context.Context, subscriberID string, c notify.Content) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.PrivateErr[subscriberID]; err != nil {
		return err
	}
	r.Private[subscriberID] = c
	return nil
}

func (r *Recorder) SetLiveTag(_ context.Context, entity live.Entity, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.TagErr != nil {
		return r.TagErr
	}
	r.Tags[entity.ID] = on
	return nil
}

// PublicCount returns the number of public notifications sent.
func (r *Recorder) PublicCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Public)
}

// DeletedCount returns the number of successful deletes.
func (r *Recorder) DeletedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Deleted)
}
