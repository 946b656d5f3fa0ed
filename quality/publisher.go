package quality

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// SummaryMessage is published to <prefix>/summary after every run
type SummaryMessage struct {
	RunID     string  `json:"runId"`
	Timestamp int64   `json:"timestamp"`
	Landmarks int     `json:"landmarks"`
	Summary   Summary `json:"summary"`
}

// LandmarkMessage is published (retained) to <prefix>/landmarks/<id>
type LandmarkMessage struct {
	RunID        string  `json:"runId"`
	ID           string  `json:"id"`
	Index        int     `json:"index"`
	Name         string  `json:"name,omitempty"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Col          int     `json:"col"`
	Row          int     `json:"row"`
	InsideGrid   bool    `json:"insideGrid"`
	VisibleCells int     `json:"visibleCells"`
	Coverage     float64 `json:"coverage"` // visible fraction of the grid
}

// Publisher announces analysis results on MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	last          *SummaryMessage
	mu            sync.RWMutex
}

// NewPublisher creates a result publisher under prefix.
// If client is nil, publishing is disabled.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true,
	}
}

// PublishResult publishes the run summary followed by one message per landmark
func (p *Publisher) PublishResult(r *Result) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	msg := &SummaryMessage{
		RunID:     r.ID,
		Timestamp: r.Finished.Unix(),
		Landmarks: len(r.Landmarks),
		Summary:   r.Summary,
	}
	if err := p.publishJSON(p.publishPrefix+"/summary", msg); err != nil {
		log.Printf("Error publishing summary for run %s: %v", r.ID, err)
		return err
	}

	p.mu.Lock()
	p.last = msg
	p.mu.Unlock()

	cells := r.Grid.Cells()
	for i, lm := range r.Landmarks {
		lmMsg := LandmarkMessage{
			RunID:      r.ID,
			ID:         lm.ID,
			Index:      i,
			Name:       lm.Name,
			X:          lm.World.X,
			Y:          lm.World.Y,
			Col:        r.Pixels[i].Col,
			Row:        r.Pixels[i].Row,
			InsideGrid: r.Grid.Contains(r.Pixels[i]),
		}
		if i < len(r.VisibleCells) {
			lmMsg.VisibleCells = r.VisibleCells[i]
			if cells > 0 {
				lmMsg.Coverage = float64(r.VisibleCells[i]) / float64(cells)
			}
		}
		topic := fmt.Sprintf("%s/landmarks/%s", p.publishPrefix, lm.ID)
		if err := p.publishJSON(topic, lmMsg); err != nil {
			log.Printf("Error publishing landmark %s: %v", lm.ID, err)
			return err
		}
	}

	log.Printf("Published run %s: %d landmarks, %s median %.3g, coverage %.1f%%",
		r.ID, len(r.Landmarks), r.Summary.Metric, r.Summary.Median, r.Summary.Coverage*100)
	return nil
}

func (p *Publisher) publishJSON(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// LastSummary returns the most recently published summary
func (p *Publisher) LastSummary() (*SummaryMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return nil, false
	}
	msg := *p.last
	return &msg, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
