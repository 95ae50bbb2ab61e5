package messages

import (
	"sort"
	"time"
)

const dateLayout = "2006-01-02"

// View is the effective conversation content for one viewer.
type View struct {
	Messages       []Message
	MessagesByDate map[string][]Message
	Dates          []string
	Hidden         map[string]Tombstone
}

// Reconcile merges raw events into what viewerID should see. Messages tombstoned by
// the viewer, either in events or in alreadyHidden, are dropped. Tombstones created by
// other members have no effect. Recalled messages keep their slot; their placeholder is
// written at recall time. The result is sorted by (createdAt, eventID) and grouped by
// calendar date in loc.
func Reconcile(viewerID string, events []Event, alreadyHidden map[string]struct{}, loc *time.Location) View {
	if loc == nil {
		loc = time.UTC
	}
	working := make(map[string]Message, len(events))
	hidden := make(map[string]Tombstone)
	for _, event := range events {
		switch typed := event.(type) {
		case Message:
			working[typed.EventID] = typed
		case Tombstone:
			if typed.Meta.DeleterID == viewerID {
				hidden[typed.Meta.TargetEventID] = typed
			}
		}
	}

	view := View{
		Messages:       make([]Message, 0, len(working)),
		MessagesByDate: make(map[string][]Message),
		Hidden:         hidden,
	}
	for eventID, message := range working {
		if _, ok := hidden[eventID]; ok {
			continue
		}
		if _, ok := alreadyHidden[eventID]; ok {
			continue
		}
		view.Messages = append(view.Messages, message)
	}
	sort.Slice(view.Messages, func(i, j int) bool {
		return less(view.Messages[i].EventHeader, view.Messages[j].EventHeader)
	})

	for _, message := range view.Messages {
		date := message.CreatedAt.In(loc).Format(dateLayout)
		if _, ok := view.MessagesByDate[date]; !ok {
			view.Dates = append(view.Dates, date)
		}
		view.MessagesByDate[date] = append(view.MessagesByDate[date], message)
	}
	return view
}
