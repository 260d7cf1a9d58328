// Package scenario loads heap shapes from JSON files and marks them.
//
// A scenario declares types, objects and the references between them,
// the strong and weak roots, and optionally mutator activity between
// incremental marking steps and the expected outcome:
//
//	{
//	  "format": "v1.1.0",
//	  "heap": "demo",
//	  "types": [{"name": "Pair", "strong": 1, "weak": 1}],
//	  "objects": [
//	    {"id": "a", "refs": ["b", "c+8"]},
//	    {"id": "b", "type": "Pair", "refs": ["c"], "weak": ["d"]},
//	    {"id": "c", "size": 16},
//	    {"id": "d", "inConstruction": true}
//	  ],
//	  "roots": ["a"],
//	  "weakRoots": ["d"],
//	  "steps": [{"budget": 64, "stores": [{"object": "c", "slot": 0, "ref": "d"}]}],
//	  "expect": {"live": ["a", "b", "c", "d"], "cleared": []}
//	}
//
// References are written as an object id, an interior reference "id+N"
// with a byte offset N into the payload, a raw word "0x..." that is stored
// verbatim, or "nil".
//
// Objects of the builtin type "Any" trace every payload word strongly.
// Declared types hold Strong strong slots followed by Weak weak slots;
// payload words past them are not traced.
package scenario

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/kolkov/gcmark/internal/gc/heap"
)

// AnyType is the builtin type used by objects without a type.
const AnyType = "Any"

// maxSlots bounds the slot count of a declared type.
const maxSlots = heap.MaxObjectSize / 8

// stepsFormat is the first format that supports steps.
const stepsFormat = "v1.1.0"

// File is a parsed and validated scenario.
type File struct {
	Format    string   `json:"format"`
	Heap      string   `json:"heap,omitempty"`
	Types     []Type   `json:"types,omitempty"`
	Objects   []Object `json:"objects"`
	Roots     []string `json:"roots,omitempty"`
	WeakRoots []string `json:"weakRoots,omitempty"`
	Steps     []Step   `json:"steps,omitempty"`
	Expect    *Expect  `json:"expect,omitempty"`

	// Name is the file name used in errors.
	Name string `json:"-"`

	types   map[string]Type
	objects map[string]int
}

// Type declares a slot layout.
type Type struct {
	Name   string `json:"name"`
	Strong int    `json:"strong"`
	Weak   int    `json:"weak"`
}

// Object declares one heap object. Refs fill the strong slots in order and
// Weak fills the weak slots.
type Object struct {
	ID             string   `json:"id"`
	Type           string   `json:"type,omitempty"`
	Size           uint64   `json:"size,omitempty"`
	Refs           []string `json:"refs,omitempty"`
	Weak           []string `json:"weak,omitempty"`
	InConstruction bool     `json:"inConstruction,omitempty"`
}

// Step is one incremental marking step followed by mutator activity.
type Step struct {
	// Budget bounds the bytes marked by the step. Zero runs to exhaustion.
	Budget uint64 `json:"budget"`

	// Stores are written through the write barrier after the step.
	Stores []Store `json:"stores,omitempty"`

	// Construct lists objects whose construction completes after the step.
	Construct []string `json:"construct,omitempty"`
}

// Store writes Ref into slot Slot of Object.
type Store struct {
	Object string `json:"object"`
	Slot   int    `json:"slot"`
	Ref    string `json:"ref"`
}

// Expect is the expected outcome of marking.
type Expect struct {
	// Live objects must be marked.
	Live []string `json:"live,omitempty"`

	// Dead objects must stay unmarked.
	Dead []string `json:"dead,omitempty"`

	// Cleared weak roots must be reset to nil.
	Cleared []string `json:"cleared,omitempty"`

	// MarkedBytes, if set, must equal the accounted bytes.
	MarkedBytes *uint64 `json:"markedBytes,omitempty"`
}

// Load reads and validates the scenario at path.
func Load(path string) (*File, error) {
	f, err := os.Open(path) // #nosec G304 -- user-supplied scenario path
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	defer f.Close()
	return Parse(f, filepath.Base(path))
}

// Parse decodes and validates a scenario read from r. name identifies the
// source in errors.
func Parse(r io.Reader, name string) (*File, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, &Error{File: name, Message: "invalid JSON: " + err.Error(), Err: err}
	}
	f.Name = name
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// validate checks every cross reference of the file.
func (f *File) validate() error {
	if err := checkFormat(f.Name, f.Format); err != nil {
		return err
	}
	if len(f.Steps) > 0 && semver.Compare(semver.Canonical(f.Format), stepsFormat) < 0 {
		return errorf(f.Name, "steps", "steps require format %s or later, file declares %s", stepsFormat, f.Format).
			withSuggestion("Set \"format\": %q", stepsFormat)
	}

	f.types = map[string]Type{AnyType: {Name: AnyType}}
	for i, t := range f.Types {
		field := fmt.Sprintf("types[%d]", i)
		switch {
		case t.Name == "":
			return errorf(f.Name, field+".name", "type name is empty")
		case t.Name == AnyType:
			return errorf(f.Name, field+".name", "%q is builtin", AnyType).
				withSuggestion("Pick another name, or omit the type of objects that trace every word")
		case t.Strong < 0 || t.Weak < 0:
			return errorf(f.Name, field, "negative slot count")
		case t.Strong > maxSlots || t.Weak > maxSlots || t.Strong+t.Weak > maxSlots:
			return errorf(f.Name, field, "type %q declares more than %d slots", t.Name, maxSlots)
		case t.Strong+t.Weak == 0:
			return errorf(f.Name, field, "type %q has no slots", t.Name).
				withSuggestion("Set \"strong\" or \"weak\" to a positive count")
		}
		if _, dup := f.types[t.Name]; dup {
			return errorf(f.Name, field+".name", "duplicate type %q", t.Name)
		}
		f.types[t.Name] = t
	}

	f.objects = make(map[string]int, len(f.Objects))
	for i, o := range f.Objects {
		field := fmt.Sprintf("objects[%d]", i)
		switch {
		case o.ID == "":
			return errorf(f.Name, field+".id", "object id is empty")
		case strings.ContainsAny(o.ID, "+ ") || strings.HasPrefix(o.ID, "0x") || o.ID == "nil":
			return errorf(f.Name, field+".id", "invalid object id %q", o.ID).
				withSuggestion("Object ids must not contain '+' or spaces, start with \"0x\", or be \"nil\"")
		}
		if _, dup := f.objects[o.ID]; dup {
			return errorf(f.Name, field+".id", "duplicate object %q", o.ID)
		}
		f.objects[o.ID] = i
		if err := f.validateLayout(field, o); err != nil {
			return err
		}
	}

	for i, o := range f.Objects {
		for j, ref := range o.Refs {
			if err := f.checkRef(fmt.Sprintf("objects[%d].refs[%d]", i, j), ref); err != nil {
				return err
			}
		}
		for j, ref := range o.Weak {
			if err := f.checkRef(fmt.Sprintf("objects[%d].weak[%d]", i, j), ref); err != nil {
				return err
			}
		}
	}
	for i, ref := range f.Roots {
		if err := f.checkRef(fmt.Sprintf("roots[%d]", i), ref); err != nil {
			return err
		}
	}
	for i, ref := range f.WeakRoots {
		if err := f.checkRef(fmt.Sprintf("weakRoots[%d]", i), ref); err != nil {
			return err
		}
	}
	for i, st := range f.Steps {
		if err := f.validateStep(fmt.Sprintf("steps[%d]", i), st); err != nil {
			return err
		}
	}
	return f.validateExpect()
}

// validateLayout checks o fits its type.
func (f *File) validateLayout(field string, o Object) error {
	t, ok := f.types[f.typeOf(o)]
	if !ok {
		return errorf(f.Name, field+".type", "unknown type %q", o.Type).
			withSuggestion("Declare %q in the types list", o.Type)
	}
	if t.Name == AnyType {
		if len(o.Weak) > 0 {
			return errorf(f.Name, field+".weak", "type %q has no weak slots", AnyType).
				withSuggestion("Declare a type with \"weak\" slots for this object")
		}
	} else {
		if len(o.Refs) > t.Strong {
			return errorf(f.Name, field+".refs", "%d refs exceed %d strong slots of %q", len(o.Refs), t.Strong, t.Name)
		}
		if len(o.Weak) > t.Weak {
			return errorf(f.Name, field+".weak", "%d weak refs exceed %d weak slots of %q", len(o.Weak), t.Weak, t.Name)
		}
	}
	if o.Size > heap.MaxObjectSize {
		return errorf(f.Name, field+".size", "size %d exceeds the %d byte object limit", o.Size, uint64(heap.MaxObjectSize)).
			withSuggestion("Split the object into several smaller ones")
	}
	if o.Size != 0 && o.Size < f.minSize(o) {
		return errorf(f.Name, field+".size", "size %d is below the %d bytes its slots need", o.Size, f.minSize(o))
	}
	return nil
}

func (f *File) validateStep(field string, st Step) error {
	for i, s := range st.Stores {
		sf := fmt.Sprintf("%s.stores[%d]", field, i)
		idx, ok := f.objects[s.Object]
		if !ok {
			return f.unknownObject(sf+".object", s.Object)
		}
		if s.Slot < 0 || uint64(s.Slot) >= f.slots(f.Objects[idx]) {
			return errorf(f.Name, sf+".slot", "slot %d out of range for %q", s.Slot, s.Object)
		}
		if err := f.checkRef(sf+".ref", s.Ref); err != nil {
			return err
		}
	}
	for i, id := range st.Construct {
		cf := fmt.Sprintf("%s.construct[%d]", field, i)
		idx, ok := f.objects[id]
		if !ok {
			return f.unknownObject(cf, id)
		}
		if !f.Objects[idx].InConstruction {
			return errorf(f.Name, cf, "object %q is not in construction", id).
				withSuggestion("Set \"inConstruction\": true on %q", id)
		}
	}
	return nil
}

func (f *File) validateExpect() error {
	if f.Expect == nil {
		return nil
	}
	for i, id := range f.Expect.Live {
		if _, ok := f.objects[id]; !ok {
			return f.unknownObject(fmt.Sprintf("expect.live[%d]", i), id)
		}
	}
	for i, id := range f.Expect.Dead {
		if _, ok := f.objects[id]; !ok {
			return f.unknownObject(fmt.Sprintf("expect.dead[%d]", i), id)
		}
	}
	for i, ref := range f.Expect.Cleared {
		found := false
		for _, w := range f.WeakRoots {
			found = found || w == ref
		}
		if !found {
			return errorf(f.Name, fmt.Sprintf("expect.cleared[%d]", i), "%q is not a weak root", ref).
				withSuggestion("Add %q to weakRoots", ref)
		}
	}
	return nil
}

func (f *File) unknownObject(field, id string) *Error {
	return errorf(f.Name, field, "unknown object %q", id).
		withSuggestion("Declare %q in the objects list", id)
}

func (f *File) typeOf(o Object) string {
	if o.Type == "" {
		return AnyType
	}
	return o.Type
}

// slots returns the number of reference slots of o.
func (f *File) slots(o Object) uint64 {
	t := f.types[f.typeOf(o)]
	if t.Name == AnyType {
		return f.payloadSize(o) / 8
	}
	return uint64(t.Strong + t.Weak)
}

// minSize returns the payload bytes o's slots need.
func (f *File) minSize(o Object) uint64 {
	t := f.types[f.typeOf(o)]
	n := uint64(t.Strong + t.Weak)
	if t.Name == AnyType {
		n = uint64(len(o.Refs))
	}
	return max(8*n, 8)
}

// payloadSize returns the payload bytes allocated for o.
func (f *File) payloadSize(o Object) uint64 {
	return max(o.Size, f.minSize(o))
}

// refKind classifies a reference string.
type refKind int

const (
	refNil refKind = iota
	refObject
	refRaw
)

type ref struct {
	kind   refKind
	id     string
	offset uint64
	raw    uint64
}

// parseRef splits a reference string without resolving object ids.
func parseRef(s string) (ref, error) {
	switch {
	case s == "" || s == "nil":
		return ref{kind: refNil}, nil
	case strings.HasPrefix(s, "0x"):
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return ref{}, fmt.Errorf("invalid raw word %q", s)
		}
		return ref{kind: refRaw, raw: v}, nil
	}
	id, off, interior := strings.Cut(s, "+")
	r := ref{kind: refObject, id: id}
	if interior {
		v, err := strconv.ParseUint(off, 10, 64)
		if err != nil {
			return ref{}, fmt.Errorf("invalid offset in %q", s)
		}
		r.offset = v
	}
	return r, nil
}

// checkRef validates a reference string.
func (f *File) checkRef(field, s string) error {
	r, err := parseRef(s)
	if err != nil {
		return errorf(f.Name, field, "%v", err).
			withSuggestion("Write references as \"id\", \"id+offset\", \"0xWORD\" or \"nil\"")
	}
	if r.kind != refObject {
		return nil
	}
	idx, ok := f.objects[r.id]
	if !ok {
		return f.unknownObject(field, r.id)
	}
	if size := f.payloadSize(f.Objects[idx]); r.offset >= size {
		return errorf(f.Name, field, "offset %d is outside the %d byte payload of %q", r.offset, size, r.id)
	}
	return nil
}
