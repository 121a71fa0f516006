// Package engine hosts a local language model and runs generations on it.
//
// An Engine owns at most one ModelHandle at a time. A handle produces
// single-use Sessions that accumulate ordered text and image context and then
// generate once, either as a blocking call or as a Stream of fragments. The
// Engine also holds a single Sink that receives the fragments of
// asynchronous generations.
//
// Generations on one handle are serialized by a bounded admission queue.
// Dispose cancels in-flight producers, stops sink delivery and releases the
// backend model after the producers have returned.
package engine
