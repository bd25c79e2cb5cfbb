// Package fingerprint canonicalizes specification documents and derives the
// content hashes used to deduplicate specifications and build prefixes.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// HashLength is the number of hex characters kept for a build hash.
const HashLength = 32

// ErrInvalid is returned for documents that are not valid specifications.
var ErrInvalid = errors.New("fingerprint: invalid specification")

// orderIndependent lists keys whose list values are sets: their element
// order carries no meaning and is normalized away.
var orderIndependent = map[string]bool{
	"channels":     true,
	"dependencies": true,
	"pip":          true,
	"platforms":    true,
}

// Spec is a parsed specification document.
type Spec struct {
	Canonical  []byte
	SHA256     string
	Name       string
	IsLockfile bool
}

// Parse validates a JSON specification document and fingerprints it.
func Parse(raw []byte) (*Spec, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return ParseValue(v)
}

// ParseValue validates an already decoded specification tree and fingerprints it.
func ParseValue(v interface{}) (*Spec, error) {
	doc, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: document must be an object", ErrInvalid)
	}
	if err := validate(doc); err != nil {
		return nil, err
	}
	canonical, err := Canonicalize(doc)
	if err != nil {
		return nil, err
	}
	name, _ := doc["name"].(string)
	_, isLockfile := doc["lockfile"]
	return &Spec{
		Canonical:  canonical,
		SHA256:     Sum(canonical),
		Name:       name,
		IsLockfile: isLockfile,
	}, nil
}

func validate(doc map[string]interface{}) error {
	name, ok := doc["name"].(string)
	if !ok || name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if ch, present := doc["channels"]; present {
		list, ok := ch.([]interface{})
		if !ok {
			return fmt.Errorf("%w: channels must be a list", ErrInvalid)
		}
		for _, c := range list {
			if _, ok := c.(string); !ok {
				return fmt.Errorf("%w: channels must contain strings", ErrInvalid)
			}
		}
	}
	if deps, present := doc["dependencies"]; present {
		if _, ok := deps.([]interface{}); !ok {
			return fmt.Errorf("%w: dependencies must be a list", ErrInvalid)
		}
	}
	if vars, present := doc["variables"]; present {
		if _, ok := vars.(map[string]interface{}); !ok {
			return fmt.Errorf("%w: variables must be a mapping", ErrInvalid)
		}
	}
	return nil
}

// Canonicalize renders v as compact UTF-8 JSON with object keys sorted and
// order-independent lists sorted, recursively.
func Canonicalize(v interface{}) ([]byte, error) {
	norm, err := normalize(v, "")
	if err != nil {
		return nil, err
	}
	return encode(norm)
}

// Sum returns the hex SHA-256 of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// BuildHash derives the prefix hash for a specification under a given
// build key version. Bumping the version moves prefixes without changing
// the specification's own fingerprint.
func BuildHash(specSHA256 string, buildKeyVersion int) string {
	return Sum([]byte(specSHA256 + "-" + strconv.Itoa(buildKeyVersion)))[:HashLength]
}

func normalize(v interface{}, key string) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		// encoding/json emits map keys in sorted order.
		out := make(map[string]interface{}, len(t))
		for k, child := range t {
			n, err := normalize(child, k)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, child := range t {
			n, err := normalize(child, "")
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		if orderIndependent[key] {
			return sortList(out)
		}
		return out, nil
	case float64:
		return json.Number(strconv.FormatFloat(t, 'f', -1, 64)), nil
	case int:
		return json.Number(strconv.Itoa(t)), nil
	case int64:
		return json.Number(strconv.FormatInt(t, 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(t, 10)), nil
	case string, bool, nil, json.Number:
		return t, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value of type %T", ErrInvalid, v)
	}
}

// sortList orders elements by their own canonical encoding so mixed lists
// (strings next to {"pip": [...]} objects) still sort deterministically.
func sortList(list []interface{}) ([]interface{}, error) {
	type keyed struct {
		enc string
		v   interface{}
	}
	items := make([]keyed, len(list))
	for i, v := range list {
		enc, err := encode(v)
		if err != nil {
			return nil, err
		}
		items[i] = keyed{enc: string(enc), v: v}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].enc < items[j].enc })
	out := make([]interface{}, len(items))
	for i, it := range items {
		out[i] = it.v
	}
	return out, nil
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("fingerprint: encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
