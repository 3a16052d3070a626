package document

import (
	"encoding/json"
	"fmt"

	"github.com/runbroker/runbroker/internal/jsoncodec"
)

// Pair marshals as {"name": ..., "doc": ...}. A stop pair for a run that
// has no stop document marshals with a null doc.

type pairEnvelope struct {
	Name Kind            `json:"name"`
	Doc  json.RawMessage `json:"doc"`
}

func (p Pair) MarshalJSON() ([]byte, error) {
	var doc any
	if p.Doc != nil {
		doc = p.Doc
	}
	return jsoncodec.Marshal(map[string]any{"name": p.Name, "doc": doc})
}

func (p *Pair) UnmarshalJSON(b []byte) error {
	var env pairEnvelope
	if err := jsoncodec.Unmarshal(b, &env); err != nil {
		return err
	}
	p.Name = env.Name
	p.Doc = nil
	if len(env.Doc) == 0 || string(env.Doc) == "null" {
		if env.Name != KindStop {
			return fmt.Errorf("null document for kind %q", env.Name)
		}
		return nil
	}
	doc, err := UnmarshalDocument(env.Name, env.Doc)
	if err != nil {
		return err
	}
	p.Doc = doc
	return nil
}

// UnmarshalDocument decodes raw JSON into the concrete document type for
// the given kind.
func UnmarshalDocument(kind Kind, raw []byte) (Document, error) {
	switch kind {
	case KindStart:
		var d RunStart
		if err := jsoncodec.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case KindStop:
		var d RunStop
		if err := jsoncodec.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case KindDescriptor:
		var d Descriptor
		if err := jsoncodec.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case KindEvent:
		var d Event
		if err := jsoncodec.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case KindEventPage:
		var d EventPage
		if err := jsoncodec.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case KindResource:
		var d Resource
		if err := jsoncodec.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case KindDatum:
		var d Datum
		if err := jsoncodec.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case KindDatumPage:
		var d DatumPage
		if err := jsoncodec.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown document kind %q", kind)
	}
}
