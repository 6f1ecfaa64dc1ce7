package bid_api

var StatusFor = statusFor
