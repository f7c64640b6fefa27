package metadata

// Kind is the cardinality of an association.
type Kind int

const (
	OneToOne Kind = iota + 1
	ManyToOne
	OneToMany
	ManyToMany
)

func (k Kind) String() string {
	switch k {
	case OneToOne:
		return "one-to-one"
	case ManyToOne:
		return "many-to-one"
	case OneToMany:
		return "one-to-many"
	case ManyToMany:
		return "many-to-many"
	}
	return "unknown"
}

// Side tells whether the declaring entity holds the join columns.
type Side int

const (
	Owning Side = iota + 1
	Inverse
)

func (s Side) String() string {
	switch s {
	case Owning:
		return "owning"
	case Inverse:
		return "inverse"
	}
	return "unknown"
}

// Variant folds kind and side into the four shapes the hydrator cares about.
type Variant int

const (
	ToOneOwning Variant = iota + 1
	ToOneInverse
	ToManyOwning
	ToManyInverse
)

func (v Variant) String() string {
	switch v {
	case ToOneOwning:
		return "to-one-owning"
	case ToOneInverse:
		return "to-one-inverse"
	case ToManyOwning:
		return "to-many-owning"
	case ToManyInverse:
		return "to-many-inverse"
	}
	return "unknown"
}

// Relation is the bun relation type an association was declared with.
type Relation string

const (
	RelBelongsTo  Relation = "belongs-to"
	RelHasOne     Relation = "has-one"
	RelHasMany    Relation = "has-many"
	RelManyToMany Relation = "m2m"
)
