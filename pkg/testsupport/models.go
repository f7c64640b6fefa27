package testsupport

import (
	"time"

	"github.com/goliatone/go-repository-graph/collection"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Address is an embedded value object.
type Address struct {
	Street string `json:"street"`
	City   string `json:"city"`
}

// Note is a transient value kept in an identity-preserving collection.
type Note struct {
	Text string
}

// Person owns pets (one-to-many) and a passport (one-to-one).
type Person struct {
	bun.BaseModel `bun:"table:people,alias:person"`

	ID       int64      `bun:"id,pk,autoincrement" json:"id"`
	Name     string     `bun:"name" json:"name"`
	Email    string     `bun:"email" json:"email"`
	Role     string     `bun:"role" json:"role" graph:"protected"`
	Active   bool       `bun:"active" json:"active"`
	Score    float64    `bun:"score" json:"score"`
	Born     *time.Time `bun:"born" json:"born"`
	Token    uuid.UUID  `bun:"token,type:uuid" json:"token"`
	Avatar   string     `bun:"avatar" json:"avatar" graph:"type:file"`
	Address  Address    `bun:"embed:address_" json:"address"`
	Pets     []*Pet     `bun:"rel:has-many,join:id=owner_id" json:"pets"`
	Passport *Passport  `bun:"rel:has-one,join:id=person_id" json:"passport"`

	Notes    *collection.Collection[*Note] `bun:"-" json:"notes"`
	Nickname string                        `bun:"-" json:"nickname"`

	nameChanges int
}

// ProtectedFields implements the hydrator protection contract.
func (p *Person) ProtectedFields() []string {
	return []string{"id"}
}

// SetName counts writes so tests can tell setters from direct writes.
func (p *Person) SetName(name string) {
	p.Name = name
	p.nameChanges++
}

// NameChanges reports how many times SetName ran.
func (p *Person) NameChanges() int {
	return p.nameChanges
}

// Pet belongs to a person.
type Pet struct {
	bun.BaseModel `bun:"table:pets,alias:pet"`

	ID      int64   `bun:"id,pk,autoincrement" json:"id"`
	Name    string  `bun:"name" json:"name"`
	Species string  `bun:"species" json:"species"`
	Age     uint8   `bun:"age" json:"age"`
	OwnerID int64   `bun:"owner_id,nullzero" json:"owner_id"`
	Owner   *Person `bun:"rel:belongs-to,join:owner_id=id" json:"owner"`
}

// ProtectedFields implements the hydrator protection contract.
func (p *Pet) ProtectedFields() []string {
	return []string{"id"}
}

// Passport is the owning side of the person/passport one-to-one.
type Passport struct {
	bun.BaseModel `bun:"table:passports,alias:passport"`

	ID       int64   `bun:"id,pk,autoincrement" json:"id"`
	Number   string  `bun:"number" json:"number"`
	PersonID int64   `bun:"person_id,nullzero" json:"person_id"`
	Person   *Person `bun:"rel:belongs-to,join:person_id=id" json:"person"`
}

// ProtectedFields implements the hydrator protection contract.
func (p *Passport) ProtectedFields() []string {
	return []string{"id"}
}

// Microchip points at a pet that does not declare the relation back. It
// declares no protection, so every field is protected by default.
type Microchip struct {
	bun.BaseModel `bun:"table:microchips,alias:microchip"`

	ID     int64  `bun:"id,pk,autoincrement" json:"id"`
	Serial string `bun:"serial" json:"serial"`
	PetID  int64  `bun:"pet_id,nullzero" json:"pet_id"`
	Pet    *Pet   `bun:"rel:belongs-to,join:pet_id=id" json:"pet" graph:"one-to-one"`
}

// Visit is a many-to-one reference to a pet, also undeclared on Pet.
type Visit struct {
	bun.BaseModel `bun:"table:visits,alias:visit"`

	ID     int64  `bun:"id,pk,autoincrement" json:"id"`
	Reason string `bun:"reason" json:"reason"`
	PetID  int64  `bun:"pet_id,nullzero" json:"pet_id"`
	Pet    *Pet   `bun:"rel:belongs-to,join:pet_id=id" json:"pet"`
}

// ProtectedFields implements the hydrator protection contract.
func (v *Visit) ProtectedFields() []string {
	return []string{"id"}
}

// Node links to the next node one-to-one, closing arbitrary cycles.
type Node struct {
	bun.BaseModel `bun:"table:nodes,alias:node"`

	ID     int64  `bun:"id,pk,autoincrement" json:"id"`
	Label  string `bun:"label" json:"label"`
	NextID int64  `bun:"next_id,nullzero" json:"next_id"`
	Next   *Node  `bun:"rel:belongs-to,join:next_id=id" json:"next"`
	Prev   *Node  `bun:"rel:has-one,join:id=next_id" json:"prev"`
}

// ProtectedFields implements the hydrator protection contract.
func (n *Node) ProtectedFields() []string {
	return []string{"id"}
}

// Membership has a compound primary key.
type Membership struct {
	bun.BaseModel `bun:"table:memberships,alias:membership"`

	OrgID  int64  `bun:"org_id,pk" json:"org_id"`
	UserID int64  `bun:"user_id,pk" json:"user_id"`
	Level  string `bun:"level" json:"level"`
}

// Badge references a membership by its compound key.
type Badge struct {
	bun.BaseModel `bun:"table:badges,alias:badge"`

	ID         int64       `bun:"id,pk,autoincrement" json:"id"`
	OrgID      int64       `bun:"org_id" json:"org_id"`
	UserID     int64       `bun:"user_id" json:"user_id"`
	Membership *Membership `bun:"rel:belongs-to,join:org_id=org_id,join:user_id=user_id" json:"membership"`
}

// ProtectedFields implements the hydrator protection contract.
func (b *Badge) ProtectedFields() []string {
	return []string{"id"}
}

// Shelf keeps its books in a collection, declared through the graph tag
// because bun cannot map the field.
type Shelf struct {
	bun.BaseModel `bun:"table:shelves,alias:shelf"`

	ID    int64                          `bun:"id,pk,autoincrement" json:"id"`
	Label string                         `bun:"label" json:"label"`
	Books *collection.Collection[*Book] `bun:"-" json:"books" graph:"rel:has-many,join:id=shelf_id"`
}

// Book sits on a shelf.
type Book struct {
	bun.BaseModel `bun:"table:books,alias:book"`

	ID      int64  `bun:"id,pk,autoincrement" json:"id"`
	Title   string `bun:"title" json:"title"`
	ShelfID int64  `bun:"shelf_id,nullzero" json:"shelf_id"`
	Shelf   *Shelf `bun:"rel:belongs-to,join:shelf_id=id" json:"shelf"`
}

// Models returns one pointer per sample model, in dependency order.
func Models() []any {
	return []any{
		(*Person)(nil),
		(*Pet)(nil),
		(*Passport)(nil),
		(*Microchip)(nil),
		(*Visit)(nil),
		(*Node)(nil),
		(*Membership)(nil),
		(*Badge)(nil),
		(*Shelf)(nil),
		(*Book)(nil),
	}
}
