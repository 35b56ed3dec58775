// Package framecast fans a single frame producer out to many consumers.
//
// One producer goroutine at most pulls encoded frames from a Source. Each
// consumer has a "new frame" signal: the producer sets it together with the
// frame, the consumer waits on it and clears it once the frame is consumed. A consumer
// that leaves its signal set for longer than Policy.StaleAfter is evicted, and
// the producer stops itself once nobody has asked for a frame within
// Policy.IdleAfter. The next StartOrAttach waits for the old stream to close,
// then spawns a fresh producer.
//
// Frames handed out are shared; callers must not modify them.
package framecast
