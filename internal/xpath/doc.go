// Package xpath implements XPath 1.0 over any tree exposed through the
// Navigator interface. Function tables and variables are supplied per
// evaluation, so callers can extend the language without global state.
package xpath
