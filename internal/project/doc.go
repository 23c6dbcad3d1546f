// Package project runs the target project's shell commands.
//
// A Project knows its directory and the build, test, format and analyze
// command lines. Each command runs through `sh -c` with the project
// directory as working directory and its own timeout. Exit status zero is
// success; anything else, including a timeout, is failure. Combined output
// is kept up to a limit, preferring the tail where compilers and test
// runners put their summary.
package project
