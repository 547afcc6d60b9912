package transport

// NewTokenBucketWithClock 測試用，可注入時鐘
var NewTokenBucketWithClock = newTokenBucket
