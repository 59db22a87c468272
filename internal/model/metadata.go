package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind is the semantic kind of one persisted attribute. Serialization is
// handled by the struct tags; kinds carry what the tags cannot: hidden
// attributes, redaction on views, and the lock-field lookup.
type Kind int

const (
	KindString Kind = iota
	KindHiddenString
	KindInt
	KindBool
	KindLock
	KindList
	KindEnum
	KindTimestamp
)

// attributes maps document type -> attribute name -> kind.
var attributes = map[string]map[string]Kind{
	"request": {
		"type":        KindEnum,
		"state":       KindEnum,
		"machine":     KindString,
		"subject_id":  KindString,
		"modified_at": KindTimestamp,
	},
	"action": {
		"type":        KindEnum,
		"request":     KindString,
		"lock":        KindLock,
		"repetitions": KindInt,
		"delay":       KindInt,
		"next_try":    KindTimestamp,
		"modified_at": KindTimestamp,
	},
	"machine": {
		"state":               KindEnum,
		"provider_id":         KindString,
		"machine_moref":       KindString,
		"machine_name":        KindString,
		"machine_search_link": KindString,
		"labels":              KindList,
		"requests":            KindList,
		"ip_addresses":        KindList,
		"nos_id":              KindString,
		"owner":               KindHiddenString,
		"snapshots":           KindList,
		"screenshots":         KindList,
		"created_at":          KindTimestamp,
		"modified_at":         KindTimestamp,
	},
	"deploy_ticket": {
		"host_moref":        KindString,
		"assigned_vm_moref": KindString,
		"enabled":           KindBool,
		"taken":             KindInt,
		"created_at":        KindTimestamp,
		"modified_at":       KindTimestamp,
	},
	"host_runtime_info": {
		"name":                 KindString,
		"mo_ref":               KindString,
		"maintenance":          KindBool,
		"to_be_in_maintenance": KindBool,
		"connection_state":     KindString,
		"vms_count":            KindInt,
		"vms_running_count":    KindInt,
		"standby_mode":         KindString,
		"local_templates":      KindList,
		"local_datastores":     KindList,
		"modified_at":          KindTimestamp,
	},
	"snapshot": {
		"name":        KindString,
		"machine":     KindString,
		"status":      KindString,
		"created_at":  KindTimestamp,
		"modified_at": KindTimestamp,
	},
	"screenshot": {
		"machine":      KindString,
		"status":       KindString,
		"file_type":    KindString,
		"image_base64": KindString,
		"created_at":   KindTimestamp,
		"modified_at":  KindTimestamp,
	},
}

// Attributes returns the attribute metadata for a document type.
func Attributes(docType string) (map[string]Kind, error) {
	attrs, ok := attributes[docType]
	if !ok {
		return nil, fmt.Errorf("unknown document type %q", docType)
	}
	return attrs, nil
}

// LockField returns the name of the single lock-kind attribute of a document
// type. Only actions carry one.
func LockField(docType string) (string, error) {
	attrs, err := Attributes(docType)
	if err != nil {
		return "", err
	}
	for name, kind := range attrs {
		if kind == KindLock {
			return name, nil
		}
	}
	return "", fmt.Errorf("document type %q has no lock field", docType)
}

// redactLimit is how many characters of a string survive a redacted view.
const redactLimit = 100

// View renders an entity as a map for the HTTP surface. Redacted views
// truncate long strings; hidden attributes are omitted unless showHidden.
func View(e Entity, redacted, showHidden bool) (map[string]any, error) {
	attrs, err := Attributes(e.DocType())
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", e.DocType(), err)
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("render %s: %w", e.DocType(), err)
	}
	for name, kind := range attrs {
		switch kind {
		case KindHiddenString:
			if !showHidden {
				delete(out, name)
				continue
			}
			fallthrough
		case KindString:
			s, ok := out[name].(string)
			if ok && redacted && len(s) > redactLimit {
				out[name] = s[:redactLimit] + "... redacted"
			}
		}
	}
	out["id"] = strconv.FormatInt(e.GetID(), 10)
	return out, nil
}
