package sql

import (
	"strings"
	"time"
)

// PredicateFunc is a constraint type for predicate functions.
// It allows generic field types to work with any predicate type that is
// based on func(*Selector).
type PredicateFunc interface {
	~func(*Selector)
}

// Numeric is the constraint satisfied by the numeric column types.
type Numeric interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// StringField is a generic string field that provides type-safe predicate
// methods. Declaring a field once gives the full predicate surface:
//
//	var Email = sql.StringField[predicate.User]("email")
//	query.Where(user.Email.EQ("a@b.c"))
//	query.Where(user.Email.Contains("@gmail"))
type StringField[P PredicateFunc] string

// Name returns the field name.
func (f StringField[P]) Name() string { return string(f) }

// EQ returns a predicate that checks if the field equals the given value.
func (f StringField[P]) EQ(v string) P { return P(FieldEQ(string(f), v)) }

// NEQ returns a predicate that checks if the field does not equal the given value.
func (f StringField[P]) NEQ(v string) P { return P(FieldNEQ(string(f), v)) }

// In returns a predicate that checks if the field value is in the given list.
func (f StringField[P]) In(vs ...string) P { return P(FieldIn(string(f), vs...)) }

// NotIn returns a predicate that checks if the field value is not in the given list.
func (f StringField[P]) NotIn(vs ...string) P { return P(FieldNotIn(string(f), vs...)) }

// GT returns a predicate that checks if the field is greater than the given value.
func (f StringField[P]) GT(v string) P { return P(FieldGT(string(f), v)) }

// GTE returns a predicate that checks if the field is greater than or equal to the given value.
func (f StringField[P]) GTE(v string) P { return P(FieldGTE(string(f), v)) }

// LT returns a predicate that checks if the field is less than the given value.
func (f StringField[P]) LT(v string) P { return P(FieldLT(string(f), v)) }

// LTE returns a predicate that checks if the field is less than or equal to the given value.
func (f StringField[P]) LTE(v string) P { return P(FieldLTE(string(f), v)) }

// Contains returns a predicate that checks if the field contains the given substring.
func (f StringField[P]) Contains(v string) P { return P(FieldContains(string(f), v)) }

// ContainsFold returns a predicate that checks if the field contains the
// given substring, case-insensitively.
func (f StringField[P]) ContainsFold(v string) P { return P(FieldContainsFold(string(f), v)) }

// HasPrefix returns a predicate that checks if the field starts with the given prefix.
func (f StringField[P]) HasPrefix(v string) P { return P(FieldHasPrefix(string(f), v)) }

// HasSuffix returns a predicate that checks if the field ends with the given suffix.
func (f StringField[P]) HasSuffix(v string) P { return P(FieldHasSuffix(string(f), v)) }

// EqualFold returns a predicate that checks if the field equals the given
// value, case-insensitively.
func (f StringField[P]) EqualFold(v string) P { return P(FieldEqualFold(string(f), v)) }

// IsNull returns a predicate that checks if the field is null.
func (f StringField[P]) IsNull() P { return P(FieldIsNull(string(f))) }

// NotNull returns a predicate that checks if the field is not null.
func (f StringField[P]) NotNull() P { return P(FieldNotNull(string(f))) }

// NumberField is a generic numeric field that provides type-safe predicate
// methods for any integer or float column type.
//
//	var Age = sql.NumberField[int, predicate.User]("age")
//	query.Where(user.Age.GTE(21))
type NumberField[T Numeric, P PredicateFunc] string

// Name returns the field name.
func (f NumberField[T, P]) Name() string { return string(f) }

// EQ returns a predicate that checks if the field equals the given value.
func (f NumberField[T, P]) EQ(v T) P { return P(FieldEQ(string(f), v)) }

// NEQ returns a predicate that checks if the field does not equal the given value.
func (f NumberField[T, P]) NEQ(v T) P { return P(FieldNEQ(string(f), v)) }

// In returns a predicate that checks if the field value is in the given list.
func (f NumberField[T, P]) In(vs ...T) P { return P(FieldIn(string(f), vs...)) }

// NotIn returns a predicate that checks if the field value is not in the given list.
func (f NumberField[T, P]) NotIn(vs ...T) P { return P(FieldNotIn(string(f), vs...)) }

// GT returns a predicate that checks if the field is greater than the given value.
func (f NumberField[T, P]) GT(v T) P { return P(FieldGT(string(f), v)) }

// GTE returns a predicate that checks if the field is greater than or equal to the given value.
func (f NumberField[T, P]) GTE(v T) P { return P(FieldGTE(string(f), v)) }

// LT returns a predicate that checks if the field is less than the given value.
func (f NumberField[T, P]) LT(v T) P { return P(FieldLT(string(f), v)) }

// LTE returns a predicate that checks if the field is less than or equal to the given value.
func (f NumberField[T, P]) LTE(v T) P { return P(FieldLTE(string(f), v)) }

// IsNull returns a predicate that checks if the field is null.
func (f NumberField[T, P]) IsNull() P { return P(FieldIsNull(string(f))) }

// NotNull returns a predicate that checks if the field is not null.
func (f NumberField[T, P]) NotNull() P { return P(FieldNotNull(string(f))) }

// BoolField is a generic boolean field that provides type-safe predicate methods.
type BoolField[P PredicateFunc] string

// Name returns the field name.
func (f BoolField[P]) Name() string { return string(f) }

// EQ returns a predicate that checks if the field equals the given value.
func (f BoolField[P]) EQ(v bool) P { return P(FieldEQ(string(f), v)) }

// NEQ returns a predicate that checks if the field does not equal the given value.
func (f BoolField[P]) NEQ(v bool) P { return P(FieldNEQ(string(f), v)) }

// IsNull returns a predicate that checks if the field is null.
func (f BoolField[P]) IsNull() P { return P(FieldIsNull(string(f))) }

// NotNull returns a predicate that checks if the field is not null.
func (f BoolField[P]) NotNull() P { return P(FieldNotNull(string(f))) }

// TimeField is a generic time field that provides type-safe predicate methods.
type TimeField[P PredicateFunc] string

// Name returns the field name.
func (f TimeField[P]) Name() string { return string(f) }

// EQ returns a predicate that checks if the field equals the given value.
func (f TimeField[P]) EQ(v time.Time) P { return P(FieldEQ(string(f), v)) }

// NEQ returns a predicate that checks if the field does not equal the given value.
func (f TimeField[P]) NEQ(v time.Time) P { return P(FieldNEQ(string(f), v)) }

// Before returns a predicate that checks if the field is before the given time.
func (f TimeField[P]) Before(v time.Time) P { return P(FieldLT(string(f), v)) }

// After returns a predicate that checks if the field is after the given time.
func (f TimeField[P]) After(v time.Time) P { return P(FieldGT(string(f), v)) }

// IsNull returns a predicate that checks if the field is null.
func (f TimeField[P]) IsNull() P { return P(FieldIsNull(string(f))) }

// NotNull returns a predicate that checks if the field is not null.
func (f TimeField[P]) NotNull() P { return P(FieldNotNull(string(f))) }

// FieldEqualFold returns a predicate function checking the field equals the
// given string under Unicode case-folding.
func FieldEqualFold(name, v string) func(*Selector) {
	return func(s *Selector) {
		s.Where(P(func(b *Builder) {
			b.WriteString("LOWER(")
			b.Ident(name)
			b.WriteString(") = ")
			b.Arg(strings.ToLower(v))
		}))
	}
}

// FieldContainsFold returns a predicate function checking the field contains
// the given substring under Unicode case-folding.
func FieldContainsFold(name, substr string) func(*Selector) {
	return func(s *Selector) {
		s.Where(P(func(b *Builder) {
			b.WriteString("LOWER(")
			b.Ident(name)
			b.WriteString(") LIKE ")
			b.Arg("%" + escapeLike(strings.ToLower(substr)) + "%")
		}))
	}
}
