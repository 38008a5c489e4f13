package pbxconf

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Directive kinds accepted by Apply.
const (
	OpNewCat    = "newcat"
	OpRenameCat = "renamecat"
	OpDelCat    = "delcat"
	OpEmptyCat  = "emptycat"
	OpUpdate    = "update"
	OpDelete    = "delete"
	OpAppend    = "append"
	OpInsert    = "insert"
)

// Directive failures. Each maps to one client-visible reason.
var (
	ErrUnknownAction       = errors.New("pbxconf: unknown action")
	ErrUnspecifiedCategory = errors.New("pbxconf: category not specified")
	ErrUnspecifiedArgument = errors.New("pbxconf: missing category, value or line")
	ErrUnknownCategory     = errors.New("pbxconf: unknown category")
	ErrNewCat              = errors.New("pbxconf: create category failed")
	ErrDelCat              = errors.New("pbxconf: delete category failed")
	ErrEmptyCat            = errors.New("pbxconf: empty category failed")
	ErrUpdate              = errors.New("pbxconf: update failed")
	ErrDelete              = errors.New("pbxconf: delete failed")
	ErrAppend              = errors.New("pbxconf: append failed")
)

// Directive is one numbered edit of an UpdateConfig request.
type Directive struct {
	Action string
	Cat    string
	Var    string
	Value  string
	Match  string
	Line   string
}

// Apply performs d against f. On error f may be partially modified by
// earlier directives but d itself has no effect.
func (f *File) Apply(d Directive) error {
	op := strings.ToLower(strings.TrimSpace(d.Action))
	switch op {
	case OpNewCat, OpRenameCat, OpDelCat, OpEmptyCat, OpUpdate, OpDelete, OpAppend, OpInsert:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, d.Action)
	}
	if d.Cat == "" {
		return ErrUnspecifiedCategory
	}

	switch op {
	case OpNewCat:
		if _, err := f.NewCategory(d.Cat); err != nil {
			return fmt.Errorf("%w: %v", ErrNewCat, err)
		}
		return nil
	case OpRenameCat:
		if d.Value == "" {
			return ErrUnspecifiedArgument
		}
		if err := f.RenameCategory(d.Cat, d.Value); err != nil {
			if errors.Is(err, ErrCategoryNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownCategory, d.Cat)
			}
			return fmt.Errorf("%w: %v", ErrUnspecifiedArgument, err)
		}
		return nil
	case OpDelCat:
		if err := f.DeleteCategory(d.Cat); err != nil {
			return fmt.Errorf("%w: %v", ErrDelCat, err)
		}
		return nil
	case OpEmptyCat:
		if err := f.EmptyCategory(d.Cat); err != nil {
			return fmt.Errorf("%w: %v", ErrEmptyCat, err)
		}
		return nil
	}

	if d.Var == "" {
		return ErrUnspecifiedArgument
	}
	cat, ok := f.Category(d.Cat)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, d.Cat)
	}
	switch op {
	case OpUpdate:
		if err := cat.Update(d.Var, d.Value, d.Match); err != nil {
			return fmt.Errorf("%w: %v", ErrUpdate, err)
		}
	case OpDelete:
		if err := cat.Delete(d.Var, d.Match); err != nil {
			return fmt.Errorf("%w: %v", ErrDelete, err)
		}
	case OpAppend:
		if strings.ContainsAny(d.Var, "\r\n=") {
			return fmt.Errorf("%w: invalid variable %q", ErrAppend, d.Var)
		}
		cat.Append(d.Var, d.Value)
	case OpInsert:
		line, err := strconv.Atoi(strings.TrimSpace(d.Line))
		if err != nil || line < 0 {
			return ErrUnspecifiedArgument
		}
		cat.Insert(d.Var, d.Value, line)
	}
	return nil
}
