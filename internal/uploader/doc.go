// Package uploader drives pending file artifacts and sensor batches to the
// remote API.
//
// Every record goes through the same pipeline:
//
//  1. precondition (files only): a vanished payload is FILE_NOT_EXISTS
//  2. connectivity gate: offline leaves the record READY_FOR_UPLOAD
//  3. claim: conditional move to UPLOADING, a lost claim is skipped
//  4. backfill the birth time if it was not captured
//  5. register the artifact and obtain a single-use url
//  6. PUT the whole payload
//  7. UPLOADED, then cleanup deletes the local file
//
// Any failure in steps 4-6 marks the record FAILED_TO_UPLOAD. Nothing is
// retried internally; the next pass is triggered from outside.
package uploader
