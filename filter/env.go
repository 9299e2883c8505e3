package filter

import "strconv"

/*
Env is the environment event target filters are evaluated in. Once fixed it
should not be changed, otherwise filter expressions stored alongside events
may stop compiling (f.e. if properties are renamed).
*/

type User struct {
	Id       int64
	Username string
	Tags     map[string]string
	Online   bool
	LastSeen int64
}

type Room struct {
	Id   int64
	Name string
	Slug string
	Tags map[string]string
}

type Env struct {
	Room    Room
	Source  User
	Target  User
	Name    string
	Created int64

	AsInt   func(string) int64
	AsFloat func(string) float64
}

// Helpers returns an Env with the tag conversion helpers bound, for use both
// at compile time and at evaluation time.
func Helpers() Env {
	return Env{
		AsInt:   AsInt,
		AsFloat: AsFloat,
	}
}

// AsInt converts a string tag value to int64, 0 on failure.
func AsInt(s string) int64 {
	i, _ := strconv.ParseInt(s, 10, 64)
	return i
}

// AsFloat converts a string tag value to float64, 0 on failure.
func AsFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
