// Package writer produces incremental PDF updates. Every write appends a new
// revision after the original bytes: updated objects, a classic cross
// reference table and a trailer chained to the previous revision via /Prev.
// Earlier revisions, including any signatures over them, stay untouched.
package writer

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"fmt"
	"sort"

	"github.com/signdesk/localagent/pdf/generic"
	"github.com/signdesk/localagent/pdf/reader"
)

// Writer stages objects for one incremental revision over a parsed document.
type Writer struct {
	doc     *reader.Document
	objects map[int]*generic.Indirect
	nextNum int
	rootRef generic.Ref
}

// New prepares an incremental update over doc.
func New(doc *reader.Document) (*Writer, error) {
	rootRef, ok := doc.Trailer.Root()
	if !ok {
		return nil, fmt.Errorf("document has no /Root")
	}
	return &Writer{
		doc:     doc,
		objects: make(map[int]*generic.Indirect),
		nextNum: doc.MaxObjectNumber() + 1,
		rootRef: rootRef,
	}, nil
}

// Document returns the underlying parsed document.
func (w *Writer) Document() *reader.Document { return w.doc }

// AddObject registers a new object and returns its reference.
func (w *Writer) AddObject(obj generic.Object) generic.Ref {
	num := w.nextNum
	w.nextNum++
	w.objects[num] = &generic.Indirect{Num: num, Object: obj}
	return generic.Ref{Num: num}
}

// UpdateObject stages an existing object for rewriting in this revision.
func (w *Writer) UpdateObject(ref generic.Ref, obj generic.Object) {
	w.objects[ref.Num] = &generic.Indirect{Num: ref.Num, Gen: ref.Gen, Object: obj}
}

// MarkUpdated stages the current resolved value of ref for rewriting. Useful
// after mutating a dictionary obtained from the reader in place.
func (w *Writer) MarkUpdated(ref generic.Ref) error {
	obj, err := w.doc.GetObject(ref)
	if err != nil {
		return err
	}
	w.UpdateObject(ref, obj)
	return nil
}

// resolve prefers staged objects over the original document.
func (w *Writer) resolve(obj generic.Object) (generic.Object, error) {
	if ref, ok := obj.(generic.Ref); ok {
		if staged, ok := w.objects[ref.Num]; ok {
			return staged.Object, nil
		}
		return w.doc.GetObject(ref)
	}
	return w.doc.Resolve(obj)
}

func (w *Writer) resolveDict(obj generic.Object) (*generic.Dict, error) {
	resolved, err := w.resolve(obj)
	if err != nil {
		return nil, err
	}
	dict, ok := resolved.(*generic.Dict)
	if !ok {
		return nil, fmt.Errorf("expected dictionary, got %T", resolved)
	}
	return dict, nil
}

// AppendPageContent wraps the page's existing content in a graphics state
// sandwich and appends extra as a new content stream, merging resources into
// the page's resource dictionary.
func (w *Writer) AppendPageContent(pageIndex int, extra []byte, resources *generic.Dict) error {
	page, pageRef, err := w.page(pageIndex)
	if err != nil {
		return err
	}

	var contents generic.Array
	switch c := page.Get("Contents").(type) {
	case generic.Ref:
		// The ref may point at an array of stream refs rather than a
		// single stream; flatten it so the rebuilt array stays valid.
		resolved, err := w.resolve(c)
		if err != nil {
			return err
		}
		if arr, ok := resolved.(generic.Array); ok {
			contents = append(generic.Array{}, arr...)
		} else {
			contents = generic.Array{c}
		}
	case generic.Array:
		contents = append(generic.Array{}, c...)
	case nil:
	default:
		return fmt.Errorf("page %d has unusable /Contents %T", pageIndex, c)
	}

	// Reset the graphics state around the original content so the appended
	// stream draws with a clean CTM.
	push := w.AddObject(generic.NewStream(nil, []byte("q\n")))
	pop := w.AddObject(generic.NewStream(nil, []byte("\nQ\n")))
	extraRef := w.AddObject(generic.NewStream(nil, extra))
	newContents := append(generic.Array{push}, contents...)
	newContents = append(newContents, pop, extraRef)
	page.Set("Contents", newContents)

	if resources != nil {
		merged, err := w.mergeResources(page.Get("Resources"), resources)
		if err != nil {
			return err
		}
		page.Set("Resources", merged)
	}
	w.UpdateObject(pageRef, page)
	return nil
}

// page returns a staged-aware clone of the page at index, along with its
// reference.
func (w *Writer) page(index int) (*generic.Dict, generic.Ref, error) {
	_, pageRef, err := w.doc.Page(index)
	if err != nil {
		return nil, generic.Ref{}, err
	}
	dict, err := w.resolveDict(pageRef)
	if err != nil {
		return nil, generic.Ref{}, err
	}
	return dict.Clone().(*generic.Dict), pageRef, nil
}

func (w *Writer) mergeResources(existing generic.Object, extra *generic.Dict) (*generic.Dict, error) {
	merged := generic.NewDict()
	if existing != nil {
		if _, isNull := existing.(generic.Null); !isNull {
			current, err := w.resolveDict(existing)
			if err != nil {
				return nil, fmt.Errorf("resolving page resources: %w", err)
			}
			merged = current.Clone().(*generic.Dict)
		}
	}
	for _, key := range extra.Keys() {
		add := extra.Get(key)
		sub, ok := add.(*generic.Dict)
		if !ok || !merged.Has(key) {
			merged.Set(key, add)
			continue
		}
		target, err := w.resolveDict(merged.Get(key))
		if err != nil {
			return nil, err
		}
		target = target.Clone().(*generic.Dict)
		for _, k := range sub.Keys() {
			target.Set(k, sub.Get(k))
		}
		merged.Set(key, target)
	}
	return merged, nil
}

// AppendPage adds a new page at the end of the document. The page inherits
// nothing; mediaBox and content are set explicitly.
func (w *Writer) AppendPage(mediaBox generic.Rect, content []byte, resources *generic.Dict) (generic.Ref, error) {
	root, err := w.resolveDict(w.rootRef)
	if err != nil {
		return generic.Ref{}, err
	}
	pagesRef, ok := root.Get("Pages").(generic.Ref)
	if !ok {
		return generic.Ref{}, fmt.Errorf("catalog /Pages is not a reference")
	}
	pages, err := w.resolveDict(pagesRef)
	if err != nil {
		return generic.Ref{}, err
	}
	pages = pages.Clone().(*generic.Dict)

	contentRef := w.AddObject(generic.NewStream(nil, content))
	page := generic.NewDict()
	page.Set("Type", generic.Name("Page"))
	page.Set("Parent", pagesRef)
	page.Set("MediaBox", mediaBox.ToArray())
	if resources != nil {
		page.Set("Resources", resources)
	} else {
		page.Set("Resources", generic.NewDict())
	}
	page.Set("Contents", contentRef)
	pageRef := w.AddObject(page)

	kids := append(generic.Array{}, pages.GetArray("Kids")...)
	kids = append(kids, pageRef)
	pages.Set("Kids", kids)
	count, _ := pages.GetInt("Count")
	pages.Set("Count", generic.Integer(count+1))
	w.UpdateObject(pagesRef, pages)
	return pageRef, nil
}

// trailerDict builds the trailer for this revision, chained to the previous
// one and with a regenerated second document ID.
func (w *Writer) trailerDict() *generic.Dict {
	t := generic.NewDict()
	t.Set("Size", generic.Integer(w.nextNum))
	if len(w.doc.XRefOffsets) > 0 {
		t.Set("Prev", generic.Integer(w.doc.XRefOffsets[0]))
	}
	t.Set("Root", w.rootRef)
	if infoRef, ok := w.doc.Trailer.Info(); ok {
		t.Set("Info", infoRef)
	}
	t.Set("ID", w.documentID())
	return t
}

// documentID keeps the original first ID and regenerates the second, as an
// updated file must.
func (w *Writer) documentID() generic.Array {
	var first []byte
	if ids := w.doc.Trailer.GetArray("ID"); len(ids) == 2 {
		if s, ok := ids[0].(*generic.String); ok {
			first = s.Value
		}
	}
	if first == nil {
		sum := md5.Sum(w.doc.Data())
		first = sum[:]
	}
	second := make([]byte, 16)
	if _, err := rand.Read(second); err != nil {
		sum := md5.Sum(append(w.doc.Data(), byte(w.nextNum)))
		second = sum[:]
	}
	return generic.Array{generic.NewHexString(first), generic.NewHexString(second)}
}

type placedObject struct {
	num    int
	gen    int
	offset int64
}

// Write serializes the staged revision appended to the original bytes.
func (w *Writer) Write() ([]byte, error) {
	out, placed, err := w.writeBody(nil)
	if err != nil {
		return nil, err
	}
	return w.finish(out, placed)
}

func (w *Writer) writeBody(hook func(buf *bytes.Buffer, obj *generic.Indirect) error) (*bytes.Buffer, []placedObject, error) {
	buf := bytes.NewBuffer(nil)
	buf.Write(w.doc.Data())
	if buf.Len() > 0 && buf.Bytes()[buf.Len()-1] != '\n' {
		buf.WriteByte('\n')
	}

	nums := make([]int, 0, len(w.objects))
	for num := range w.objects {
		nums = append(nums, num)
	}
	sort.Ints(nums)

	placed := make([]placedObject, 0, len(nums))
	for _, num := range nums {
		obj := w.objects[num]
		placed = append(placed, placedObject{num: num, gen: obj.Gen, offset: int64(buf.Len())})
		if hook != nil {
			if err := hook(buf, obj); err != nil {
				return nil, nil, err
			}
			continue
		}
		if err := obj.Write(buf); err != nil {
			return nil, nil, fmt.Errorf("writing object %d: %w", num, err)
		}
	}
	return buf, placed, nil
}

// finish emits the xref table, trailer and startxref for the staged objects.
func (w *Writer) finish(buf *bytes.Buffer, placed []placedObject) ([]byte, error) {
	xrefOffset := int64(buf.Len())
	buf.WriteString("xref\n")

	// Contiguous object numbers share one subsection.
	for i := 0; i < len(placed); {
		j := i
		for j+1 < len(placed) && placed[j+1].num == placed[j].num+1 {
			j++
		}
		fmt.Fprintf(buf, "%d %d\n", placed[i].num, j-i+1)
		for k := i; k <= j; k++ {
			fmt.Fprintf(buf, "%010d %05d n \n", placed[k].offset, placed[k].gen)
		}
		i = j + 1
	}

	buf.WriteString("trailer\n")
	if err := w.trailerDict().Write(buf); err != nil {
		return nil, fmt.Errorf("writing trailer: %w", err)
	}
	fmt.Fprintf(buf, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	return buf.Bytes(), nil
}
