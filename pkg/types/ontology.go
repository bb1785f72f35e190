package types

import "strings"

// EntityType is an ontology class for extracted entities.
type EntityType string

// Curated entity ontology. Extraction output naming any class outside this
// registry is coerced to EntityConcept.
const (
	EntityPerson       EntityType = "PERSON"
	EntityOrganization EntityType = "ORG"
	EntityLocation     EntityType = "LOCATION"
	EntityEvent        EntityType = "EVENT"
	EntityProduct      EntityType = "PRODUCT"
	EntityProject      EntityType = "PROJECT"
	EntityConcept      EntityType = "CONCEPT"
	EntityTime         EntityType = "TIME"
	EntityQuantity     EntityType = "QUANTITY"
	EntityEmotion      EntityType = "EMOTION"
	EntityActivity     EntityType = "ACTIVITY"
	EntityAnimal       EntityType = "ANIMAL"
	EntityFood         EntityType = "FOOD"
	EntityMedia        EntityType = "MEDIA"
)

var entityOntology = map[EntityType]struct{}{
	EntityPerson: {}, EntityOrganization: {}, EntityLocation: {},
	EntityEvent: {}, EntityProduct: {}, EntityProject: {},
	EntityConcept: {}, EntityTime: {}, EntityQuantity: {},
	EntityEmotion: {}, EntityActivity: {}, EntityAnimal: {},
	EntityFood: {}, EntityMedia: {},
}

// Valid returns true if the entity type is a registered ontology class.
func (et EntityType) Valid() bool {
	_, ok := entityOntology[et]
	return ok
}

// NormalizeEntityType maps an arbitrary extraction label onto the ontology,
// falling back to CONCEPT for unknown classes.
func NormalizeEntityType(raw string) EntityType {
	et := EntityType(strings.ToUpper(strings.TrimSpace(raw)))
	switch et {
	case "ORGANIZATION", "COMPANY", "CORP":
		return EntityOrganization
	case "PLACE", "GPE", "CITY", "COUNTRY":
		return EntityLocation
	case "DATE", "DATETIME":
		return EntityTime
	}
	if et.Valid() {
		return et
	}
	return EntityConcept
}

// EntityOntology returns the registered ontology classes.
func EntityOntology() []EntityType {
	out := make([]EntityType, 0, len(entityOntology))
	for et := range entityOntology {
		out = append(out, et)
	}
	return out
}

// Predicate is a curated entity-to-entity relation kind.
type Predicate string

const (
	PredicateIsA        Predicate = "IS_A"
	PredicateHasA       Predicate = "HAS_A"
	PredicateLocatedIn  Predicate = "LOCATED_IN"
	PredicateWorksAt    Predicate = "WORKS_AT"
	PredicatePartOf     Predicate = "PART_OF"
	PredicateMemberOf   Predicate = "MEMBER_OF"
	PredicateOwns       Predicate = "OWNS"
	PredicateLikes      Predicate = "LIKES"
	PredicateDislikes   Predicate = "DISLIKES"
	PredicateKnows      Predicate = "KNOWS"
	PredicateRelatedTo  Predicate = "RELATED_TO"
	PredicateCreatedBy  Predicate = "CREATED_BY"
	PredicateParticipated Predicate = "PARTICIPATED_IN"
	PredicateOccurredAt Predicate = "OCCURRED_AT"
	PredicateCauses     Predicate = "CAUSES"
	PredicateUses       Predicate = "USES"
)

var predicateRegistry = map[Predicate]struct{}{
	PredicateIsA: {}, PredicateHasA: {}, PredicateLocatedIn: {},
	PredicateWorksAt: {}, PredicatePartOf: {}, PredicateMemberOf: {},
	PredicateOwns: {}, PredicateLikes: {}, PredicateDislikes: {},
	PredicateKnows: {}, PredicateRelatedTo: {}, PredicateCreatedBy: {},
	PredicateParticipated: {}, PredicateOccurredAt: {}, PredicateCauses: {},
	PredicateUses: {},
}

// Valid returns true if the predicate is in the curated set.
func (p Predicate) Valid() bool {
	_, ok := predicateRegistry[p]
	return ok
}

// ParsePredicate normalises a raw predicate string, reporting whether it is
// part of the curated set. Callers drop relations with unknown predicates.
func ParsePredicate(raw string) (Predicate, bool) {
	p := Predicate(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), " ", "_")))
	return p, p.Valid()
}
