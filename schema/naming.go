package schema

import (
	"unicode/utf8"

	"github.com/go-openapi/inflect"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NamingStrategy maps logical entity and property names to physical names.
type NamingStrategy interface {
	// ClassToTableName returns the table or collection of an entity.
	ClassToTableName(entity string) string
	// PropertyToColumnName returns the field of a scalar property.
	PropertyToColumnName(property string) string
	// JoinColumnName returns the foreign key field of an owning to-one property.
	JoinColumnName(property string) string
	// JoinTableName returns the pivot table of an owning many-to-many property.
	JoinTableName(ownerTable, property string) string
	// JoinKeyColumnName returns the pivot column referencing an entity.
	JoinKeyColumnName(entity string) string
}

// UnderscoreNamingStrategy is the relational naming strategy: snake_case
// tables and columns, <property>_id foreign keys and <owner>_<property>
// pivot tables.
type UnderscoreNamingStrategy struct{}

// ClassToTableName implements NamingStrategy.
func (UnderscoreNamingStrategy) ClassToTableName(entity string) string {
	return inflect.Underscore(entity)
}

// PropertyToColumnName implements NamingStrategy.
func (UnderscoreNamingStrategy) PropertyToColumnName(property string) string {
	return inflect.Underscore(property)
}

// JoinColumnName implements NamingStrategy.
func (UnderscoreNamingStrategy) JoinColumnName(property string) string {
	return inflect.Underscore(property) + "_id"
}

// JoinTableName implements NamingStrategy.
func (UnderscoreNamingStrategy) JoinTableName(ownerTable, property string) string {
	return ownerTable + "_" + inflect.Pluralize(inflect.Underscore(property))
}

// JoinKeyColumnName implements NamingStrategy.
func (UnderscoreNamingStrategy) JoinKeyColumnName(entity string) string {
	return inflect.ForeignKey(entity)
}

// DocumentNamingStrategy is the document-store naming strategy: collections
// are the lower camel case entity name and fields keep their property name.
type DocumentNamingStrategy struct{}

// ClassToTableName implements NamingStrategy.
func (DocumentNamingStrategy) ClassToTableName(entity string) string {
	r, size := utf8.DecodeRuneInString(entity)
	if r == utf8.RuneError {
		return entity
	}
	return cases.Lower(language.Und).String(string(r)) + entity[size:]
}

// PropertyToColumnName implements NamingStrategy.
func (DocumentNamingStrategy) PropertyToColumnName(property string) string { return property }

// JoinColumnName implements NamingStrategy.
func (DocumentNamingStrategy) JoinColumnName(property string) string { return property }

// JoinTableName implements NamingStrategy.
func (DocumentNamingStrategy) JoinTableName(ownerTable, property string) string {
	return ownerTable + "_" + property
}

// JoinKeyColumnName implements NamingStrategy.
func (s DocumentNamingStrategy) JoinKeyColumnName(entity string) string {
	return s.ClassToTableName(entity) + "Id"
}
