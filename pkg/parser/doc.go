/*
Package parser turns a markdown task definition into a typed task graph.

The expected shape is a loose template:

	# Task 001: Build the auth module

	**Objective**: Implement the authentication flow end to end.

	## Requirements
	- [ ] Users can log in
	- [ ] Sessions persist across restarts

	## Subtasks

	### Task 1: Create database schema
	Execution mode: sequential
	Dependencies: none
	Priority: high
	- Add the users table
	  - include a unique email index
	- Add the sessions table

	### Task 2: Implement login endpoint
	Execution mode: parallel
	Dependencies: Task 1
	Timeout: 60000
	- Wire the handler
	- Validate credentials

Parse is a pure function over the input bytes. A missing title,
objective or requirements section fails with malformed-input; a
dependency that does not resolve to a sibling fails with
ambiguous-dependency. Sub-tasks inherit the root's execution mode
unless they override it, and their ids derive from the root id and
their ordinal. Format re-emits canonical markdown so that
Parse(Format(Parse(in))) is structurally equal to Parse(in).
*/
package parser
