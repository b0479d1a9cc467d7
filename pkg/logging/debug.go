package logging

// DebugEnable is a string passed in by the compiler to control the build's
// inclusion of Debuggable sections.
var DebugEnable string

// Debuggable means that the build should include the state machine tracing
// in it. Release builds leave DebugEnable empty.
var Debuggable = DebugEnable != ""
