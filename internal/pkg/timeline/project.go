// Package timeline holds the video editor's clip list, playback seeking and
// the server side export of a timeline into one video file.
package timeline

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrItemNotFound = errors.New("timeline item not found")
	ErrOutOfRange   = errors.New("index out of range")
)

// VideoContextItem is one source image or clip in the editor.
type VideoContextItem struct {
	ID                string `json:"id"`
	SourceURL         string `json:"source_url"`
	OriginalURL       string `json:"original_url,omitempty"`
	Prompt            string `json:"prompt,omitempty"`
	VideoURL          string `json:"video_url,omitempty"`
	IsGeneratingVideo bool   `json:"is_generating_video"`
	IsUploaded        bool   `json:"is_uploaded"`
	IsInTimeline      bool   `json:"is_in_timeline"`
	UseCharacter      bool   `json:"use_character"`
	Muted             bool   `json:"muted,omitempty"`
}

// Project is an ordered list of items. The order of Items is the timeline
// order.
type Project struct {
	Items []VideoContextItem `json:"items"`
}

// Add appends item, assigning an id when it has none.
func (p *Project) Add(item VideoContextItem) VideoContextItem {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	p.Items = append(p.Items, item)
	return item
}

func (p *Project) index(id string) (int, error) {
	for i := range p.Items {
		if p.Items[i].ID == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrItemNotFound, id)
}

func (p *Project) Remove(id string) error {
	i, err := p.index(id)
	if err != nil {
		return err
	}
	p.Items = append(p.Items[:i], p.Items[i+1:]...)
	return nil
}

// Move relocates the item at from to position to, shifting the rest.
func (p *Project) Move(from, to int) error {
	n := len(p.Items)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("%w: move %d -> %d with %d items", ErrOutOfRange, from, to, n)
	}
	if from == to {
		return nil
	}
	item := p.Items[from]
	p.Items = append(p.Items[:from], p.Items[from+1:]...)
	p.Items = append(p.Items[:to], append([]VideoContextItem{item}, p.Items[to:]...)...)
	return nil
}

func (p *Project) SetInTimeline(id string, in bool) error {
	i, err := p.index(id)
	if err != nil {
		return err
	}
	p.Items[i].IsInTimeline = in
	return nil
}

func (p *Project) SetPrompt(id, prompt string) error {
	i, err := p.index(id)
	if err != nil {
		return err
	}
	p.Items[i].Prompt = prompt
	return nil
}

// SetGenerating flags an item while its video is being generated.
func (p *Project) SetGenerating(id string, generating bool) error {
	i, err := p.index(id)
	if err != nil {
		return err
	}
	p.Items[i].IsGeneratingVideo = generating
	return nil
}

// AttachVideo stores a generated clip and clears the generating flag.
func (p *Project) AttachVideo(id, videoURL string) error {
	i, err := p.index(id)
	if err != nil {
		return err
	}
	p.Items[i].VideoURL = videoURL
	p.Items[i].IsGeneratingVideo = false
	return nil
}

// TimelineClips returns the exportable clips in item order: members of the
// timeline that have a video.
func (p *Project) TimelineClips() []Clip {
	var clips []Clip
	for _, it := range p.Items {
		if it.IsInTimeline && it.VideoURL != "" {
			clips = append(clips, Clip{URL: it.VideoURL, Muted: it.Muted})
		}
	}
	return clips
}

// Seek maps a playback position p in percent onto clipCount uniform
// segments and returns the clip index and the offset into that clip as a
// fraction in [0, 1].
func Seek(p float64, clipCount int) (int, float64) {
	if clipCount <= 0 {
		return 0, 0
	}
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	segment := 100 / float64(clipCount)
	index := int(p / segment)
	if index > clipCount-1 {
		index = clipCount - 1
	}
	offset := (p - float64(index)*segment) / segment
	if offset > 1 {
		offset = 1
	}
	return index, offset
}
