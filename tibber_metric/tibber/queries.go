package tibber

const homesQuery = `{
  viewer {
    homes {
      id
      timeZone
      appNickname
    }
  }
}`

const consumptionQuery = `query Consumption($homeId: ID!, $resolution: EnergyResolution!, $first: Int, $last: Int, $after: String) {
  viewer {
    home(id: $homeId) {
      consumption(resolution: $resolution, first: $first, last: $last, after: $after) {
        nodes {
          from
          to
          cost
          consumption
        }
      }
    }
  }
}`

const productionQuery = `query Production($homeId: ID!, $resolution: EnergyResolution!, $first: Int, $last: Int, $after: String) {
  viewer {
    home(id: $homeId) {
      production(resolution: $resolution, first: $first, last: $last, after: $after) {
        nodes {
          from
          to
          profit
          production
        }
      }
    }
  }
}`

const priceQuery = `query Price($homeId: ID!) {
  viewer {
    home(id: $homeId) {
      currentSubscription {
        priceInfo {
          current {
            total
            startsAt
            level
          }
          today {
            total
            startsAt
          }
        }
      }
    }
  }
}`
