package cache

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func joinWithSeparator(parts ...string) string {
	return strings.Join(parts, KeySeparator)
}

type owner struct {
	ID   int
	Name string
	Pets []*pet
}

type pet struct {
	ID    int
	Name  string
	Owner *owner
}

func ownerIdentity(v any) (string, bool) {
	o, ok := v.(*owner)
	if !ok || o == nil {
		return "", false
	}
	return fmt.Sprintf("owner#%d", o.ID), true
}

func TestDefaultKeySerializer_Values(t *testing.T) {
	serializer := NewDefaultKeySerializer()
	value := 42
	token := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	type filter struct {
		Species string
		Limit   int
		secret  string
	}

	tests := []struct {
		name   string
		method string
		args   []any
		want   string
	}{
		{name: "no args", method: "pets::FindAll", want: "pets::FindAll"},
		{name: "basic types", method: "Find", args: []any{1, "hello", true, 3.14}, want: joinWithSeparator("Find", "1", "hello", "true", "3.14")},
		{name: "nil", method: "Find", args: []any{nil}, want: joinWithSeparator("Find", "nil")},
		{name: "pointer", method: "Find", args: []any{&value}, want: joinWithSeparator("Find", "42")},
		{name: "nil pointer", method: "Find", args: []any{(*int)(nil)}, want: joinWithSeparator("Find", "nil")},
		{name: "nil slice", method: "FindBy", args: []any{([]int)(nil)}, want: joinWithSeparator("FindBy", "slice:nil")},
		{name: "nil map", method: "FindBy", args: []any{(map[string]any)(nil)}, want: joinWithSeparator("FindBy", "map:nil")},
		{name: "slice", method: "FindBy", args: []any{[]string{"dog", "cat"}}, want: joinWithSeparator("FindBy", "slice[2]:{dog,cat}")},
		{name: "nested slice", method: "FindBy", args: []any{[][]int{{1, 2}, {3}}}, want: joinWithSeparator("FindBy", "slice[2]:{slice[2]:{1,2},slice[1]:{3}}")},
		{name: "array", method: "FindBy", args: []any{[2]int{1, 2}}, want: joinWithSeparator("FindBy", "array[2]:{1,2}")},
		{name: "stringer array", method: "Find", args: []any{token}, want: joinWithSeparator("Find", token.String())},
		{
			name:   "sorted map",
			method: "FindBy",
			args:   []any{map[string]any{"species": "dog", "name": []string{"Rex"}}},
			want:   joinWithSeparator("FindBy", "map[2]:{name=slice[1]:{Rex},species=dog}"),
		},
		{
			name:   "struct skips unexported fields",
			method: "FindBy",
			args:   []any{filter{Species: "dog", Limit: 2, secret: "x"}},
			want:   joinWithSeparator("FindBy", "struct:{Species:dog,Limit:2}"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serializer.SerializeKey(tt.method, tt.args...)
			if got != tt.want {
				t.Errorf("SerializeKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultKeySerializer_Functions(t *testing.T) {
	serializer := NewDefaultKeySerializer()
	criteria := func() {}

	key1 := serializer.SerializeKey("Query", criteria)
	key2 := serializer.SerializeKey("Query", criteria)
	if key1 != key2 {
		t.Errorf("function serialization should be stable: %v != %v", key1, key2)
	}
	if !strings.HasPrefix(key1, joinWithSeparator("Query", "func")+":") {
		t.Errorf("expected func: prefix, got %v", key1)
	}

	ch := make(chan int)
	if key := serializer.SerializeKey("Watch", ch); !strings.HasPrefix(key, joinWithSeparator("Watch", "chan")+":") {
		t.Errorf("expected chan: prefix, got %v", key)
	}
}

func TestDefaultKeySerializer_Bytes(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	a := serializer.SerializeKey("Find", []byte("token"))
	b := serializer.SerializeKey("Find", []byte("token"))
	c := serializer.SerializeKey("Find", []byte("other"))
	if a != b {
		t.Errorf("equal bytes should share a key: %v != %v", a, b)
	}
	if a == c {
		t.Errorf("different bytes should not share a key: %v", a)
	}
	if !strings.HasPrefix(a, joinWithSeparator("Find", "bytes")+":") {
		t.Errorf("expected bytes: prefix, got %v", a)
	}
}

func TestDefaultKeySerializer_Cycles(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	ada := &owner{ID: 1, Name: "Ada"}
	ada.Pets = []*pet{{ID: 7, Name: "Rex", Owner: ada}}

	key := serializer.SerializeKey("FindBy", map[string]any{"owner": ada})
	if !strings.Contains(key, "cycle:cache.owner") {
		t.Errorf("expected a cycle marker, got %v", key)
	}

	// the same pointer twice in one argument is not a cycle
	pair := serializer.SerializeKey("FindBy", []*owner{ada, ada})
	if strings.Count(pair, "Name:Ada") != 2 {
		t.Errorf("expected both elements rendered, got %v", pair)
	}
}

func TestDefaultKeySerializer_Identity(t *testing.T) {
	serializer := NewDefaultKeySerializer(WithIdentity(ownerIdentity))

	ada := &owner{ID: 1, Name: "Ada"}
	ada.Pets = []*pet{{ID: 7, Name: "Rex", Owner: ada}}

	got := serializer.SerializeKey("pets::FindBy", map[string]any{"owner": ada, "species": "dog"})
	want := joinWithSeparator("pets::FindBy", "map[2]:{owner=owner#1,species=dog}")
	if got != want {
		t.Errorf("SerializeKey() = %v, want %v", got, want)
	}

	renamed := *ada
	renamed.Name = "Ada L."
	if serializer.SerializeKey("pets::FindBy", &renamed) != serializer.SerializeKey("pets::FindBy", ada) {
		t.Error("entities with the same identity should share a key")
	}
}

func TestDefaultKeySerializer_LongKeysAreHashed(t *testing.T) {
	serializer := NewDefaultKeySerializer(WithMaxArgsLength(16))

	long := strings.Repeat("x", 64)
	key := serializer.SerializeKey("pets::FindBy", long)
	if !strings.HasPrefix(key, joinWithSeparator("pets::FindBy", "xxh")+":") {
		t.Errorf("expected a hashed key, got %v", key)
	}
	if key != serializer.SerializeKey("pets::FindBy", long) {
		t.Error("hashed keys should be stable")
	}
	if key == serializer.SerializeKey("pets::FindBy", long+"y") {
		t.Error("different args should hash differently")
	}

	short := serializer.SerializeKey("pets::Find", 1)
	if short != joinWithSeparator("pets::Find", "1") {
		t.Errorf("short keys should stay readable, got %v", short)
	}

	unlimited := NewDefaultKeySerializer(WithMaxArgsLength(0))
	if got := unlimited.SerializeKey("FindBy", long); got != joinWithSeparator("FindBy", long) {
		t.Errorf("expected no hashing, got %v", got)
	}
}

func TestDefaultKeySerializer_Digest(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	key := serializer.SerializeKey("Find", uintptr(42))
	if key == joinWithSeparator("Find", "42") {
		t.Errorf("expected a digest for uintptr, got %v", key)
	}
	if key != serializer.SerializeKey("Find", uintptr(42)) {
		t.Error("digests should be stable")
	}
}

func BenchmarkDefaultKeySerializer(b *testing.B) {
	serializer := NewDefaultKeySerializer()
	args := []any{1, "benchmark", []int{1, 2, 3}, map[string]any{"species": "dog"}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		serializer.SerializeKey("pets::FindBy", args...)
	}
}
