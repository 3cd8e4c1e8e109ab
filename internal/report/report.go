// Package report renders scan and exploration results for the CLI, either as
// aligned text or as JSON built from structpb values.
package report

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chaz8081/blescout/internal/adv"
	"github.com/chaz8081/blescout/internal/ble"
)

// Sighting converts one sighting to a JSON-shaped struct.
func Sighting(s ble.Sighting) (*structpb.Struct, error) {
	uuids := make([]any, 0, len(s.ServiceUUIDs))
	for _, u := range s.ServiceUUIDs {
		uuids = append(uuids, adv.Format(u))
	}
	fields := map[string]any{
		"id":            s.ID,
		"rssi":          s.RSSI,
		"service_uuids": uuids,
		"payload":       hex.EncodeToString(s.Payload),
	}
	if s.Name != "" {
		fields["name"] = s.Name
	}
	if !s.SeenAt.IsZero() {
		fields["seen_at"] = s.SeenAt.UTC().Format(time.RFC3339Nano)
	}
	if company, data, ok := s.Advertisement().ManufacturerData(); ok {
		fields["manufacturer"] = map[string]any{
			"company_id": int(company),
			"data":       hex.EncodeToString(data),
		}
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("report: sighting %s: %w", s.ID, err)
	}
	return st, nil
}

// Sightings converts a list of sightings, preserving order.
func Sightings(all []ble.Sighting) (*structpb.ListValue, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(all))}
	for _, s := range all {
		st, err := Sighting(s)
		if err != nil {
			return nil, err
		}
		list.Values = append(list.Values, structpb.NewStructValue(st))
	}
	return list, nil
}

// Tree converts the service tree of device id.
func Tree(id string, tree ble.ServiceTree) (*structpb.Struct, error) {
	services := make([]any, 0, len(tree))
	for _, svc := range tree {
		chars := make([]any, 0, len(svc.Characteristics))
		for _, c := range svc.Characteristics {
			chars = append(chars, map[string]any{
				"uuid":       adv.Format(c.UUID),
				"properties": propertyNames(c.Props),
			})
		}
		services = append(services, map[string]any{
			"uuid":            adv.Format(svc.UUID),
			"characteristics": chars,
		})
	}
	st, err := structpb.NewStruct(map[string]any{
		"id":       id,
		"services": services,
	})
	if err != nil {
		return nil, fmt.Errorf("report: tree %s: %w", id, err)
	}
	return st, nil
}

func propertyNames(p ble.Property) []any {
	if p == 0 {
		return []any{}
	}
	parts := strings.Split(p.String(), "|")
	out := make([]any, len(parts))
	for i, s := range parts {
		out[i] = s
	}
	return out
}

// JSON marshals msg with protojson. Pretty output is indented.
func JSON(msg proto.Message, pretty bool) ([]byte, error) {
	opts := protojson.MarshalOptions{}
	if pretty {
		opts.Multiline = true
		opts.Indent = "  "
	}
	b, err := opts.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("report: marshal: %w", err)
	}
	return b, nil
}

// WriteSightings prints one aligned line per sighting.
func WriteSightings(w io.Writer, all []ble.Sighting) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRSSI\tNAME\tSERVICES")
	for _, s := range all {
		name := s.Name
		if name == "" {
			name = "-"
		}
		uuids := make([]string, len(s.ServiceUUIDs))
		for i, u := range s.ServiceUUIDs {
			uuids[i] = adv.Format(u)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.ID, s.RSSI, name, strings.Join(uuids, ","))
	}
	return tw.Flush()
}

// WriteTree prints the service tree as an indented outline.
func WriteTree(w io.Writer, id string, tree ble.ServiceTree) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d services\n", id, len(tree))
	for _, svc := range tree {
		fmt.Fprintf(&b, "  service %s\n", adv.Format(svc.UUID))
		for _, c := range svc.Characteristics {
			fmt.Fprintf(&b, "    characteristic %s [%s]\n", adv.Format(c.UUID), c.Props)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
